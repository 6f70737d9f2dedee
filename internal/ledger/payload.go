package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallysync/tally/internal/cryptox"
)

// FieldStamp records the last write to a single field: when, by whom, and at
// which version-vector counter of the writer. Stamps travel inside the
// encrypted payload so the relay never sees them.
//
// Counter lets the merge distinguish "only one branch touched this field"
// (the other branch's vector already covers the write) from a genuine
// concurrent edit of the same field.
type FieldStamp struct {
	UpdatedAt   time.Time `json:"updated_at"`
	PrincipalID string    `json:"principal_id"`
	Counter     int64     `json:"counter"`
}

// SeenBy reports whether the write recorded by s is covered by vv.
func (s FieldStamp) SeenBy(vv VersionVector) bool {
	return vv[s.PrincipalID] >= s.Counter
}

// After reports whether s wins over other under last-writer-wins.
// Identical timestamps are tie-broken by the lexicographically larger
// principal id so every replica picks the same winner.
func (s FieldStamp) After(other FieldStamp) bool {
	if !s.UpdatedAt.Equal(other.UpdatedAt) {
		return s.UpdatedAt.After(other.UpdatedAt)
	}
	return s.PrincipalID > other.PrincipalID
}

// FieldStamps maps field name to its last-write stamp.
type FieldStamps map[string]FieldStamp

// Account is a node in the chart of accounts. Name and attribute changes
// merge per field; reparenting that would create a cycle is rejected.
type Account struct {
	Name     string      `json:"name"`
	Code     string      `json:"code"`
	Type     string      `json:"type"` // asset, liability, equity, income, expense
	ParentID string      `json:"parent_id,omitempty"`
	Stamps   FieldStamps `json:"stamps"`
}

// TransactionLine is one leg of a double-entry transaction. Amounts are in
// minor units (cents). Exactly one of Debit/Credit is normally non-zero.
type TransactionLine struct {
	AccountID string `json:"account_id"`
	Debit     int64  `json:"debit"`
	Credit    int64  `json:"credit"`
	Memo      string `json:"memo,omitempty"`
}

// Transaction statuses. StatusVoid is terminal: a void always wins a
// concurrent edit.
const (
	StatusDraft  = "draft"
	StatusPosted = "posted"
	StatusVoid   = "void"
)

// Transaction groups lines that must balance: sum of debits equals sum of
// credits. The invariant is enforced at apply and merge time, not just at
// submit time. Lines live inside the transaction payload so the whole set is
// read and written atomically.
type Transaction struct {
	Date   time.Time         `json:"date"`
	Memo   string            `json:"memo"`
	Status string            `json:"status"`
	Lines  []TransactionLine `json:"lines"`
	Stamp  FieldStamp        `json:"stamp"`
}

// Balanced reports whether debits equal credits.
func (t Transaction) Balanced() bool {
	var debit, credit int64
	for _, l := range t.Lines {
		debit += l.Debit
		credit += l.Credit
	}
	return debit == credit
}

// Invoice merges per field: two principals editing different fields both
// win; the same field edited concurrently is flagged for review.
type Invoice struct {
	Number        string      `json:"number"`
	ContactID     string      `json:"contact_id"`
	IssueDate     time.Time   `json:"issue_date"`
	DueDate       time.Time   `json:"due_date"`
	Total         int64       `json:"total"`
	Status        string      `json:"status"`
	Notes         string      `json:"notes"`
	AttachmentKey string      `json:"attachment_key,omitempty"`
	Stamps        FieldStamps `json:"stamps"`
}

// Contact is a customer or vendor. Record-level last-writer-wins.
type Contact struct {
	Name  string     `json:"name"`
	Email string     `json:"email"`
	TaxID string     `json:"tax_id"`
	Stamp FieldStamp `json:"stamp"`
}

// Settings is the per-company singleton. Last-writer-wins, no conflict
// surfaced.
type Settings struct {
	BaseCurrency string     `json:"base_currency"`
	FiscalStart  string     `json:"fiscal_start"` // MM-DD
	Stamp        FieldStamp `json:"stamp"`
}

// SealPayload encrypts a typed payload for storage in a Record.
func SealPayload(key []byte, payload any) (cryptox.Box, error) {
	return cryptox.SealJSON(key, payload)
}

// OpenPayload decrypts a record's payload into its typed form, dispatching
// on the record's plaintext kind.
func OpenPayload(key []byte, rec Record) (any, error) {
	plaintext, err := cryptox.Open(key, rec.Payload)
	if err != nil {
		return nil, err
	}

	switch rec.Kind {
	case KindAccount:
		var v Account
		return &v, json.Unmarshal(plaintext, &v)
	case KindTransaction:
		var v Transaction
		return &v, json.Unmarshal(plaintext, &v)
	case KindInvoice:
		var v Invoice
		return &v, json.Unmarshal(plaintext, &v)
	case KindContact:
		var v Contact
		return &v, json.Unmarshal(plaintext, &v)
	case KindSettings:
		var v Settings
		return &v, json.Unmarshal(plaintext, &v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
}
