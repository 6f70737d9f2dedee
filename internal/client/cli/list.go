package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/tallysync/tally/internal/client/store"
	"github.com/tallysync/tally/internal/ledger"
)

// List prints a short line per live entity of the chosen kind. Decryption
// uses the session's company key.
func (a *App) List(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	kindStr, err := getSimpleText(a.reader, "Enter kind (account/transaction/invoice/contact)", os.Stdout)
	if err != nil {
		return err
	}
	kind := ledger.Kind(kindStr)

	recs, err := a.store.QueryByMetadata(ctx, store.MetadataQuery{Kind: kind})
	if err != nil {
		return err
	}

	for _, rec := range recs {
		payload, err := ledger.OpenPayload(a.sess.CompanyKey(), rec)
		if err != nil {
			return err
		}
		printlnFn(summarize(rec, payload))
	}
	printlnFn(fmt.Sprintf("%d %s(s)", len(recs), kind))
	return nil
}

// Show fetches and displays a single entity by ID, including its field values
// and any superseded concurrent versions retained for it.
func (a *App) Show(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	id, err := getSimpleText(a.reader, "Enter entity id", os.Stdout)
	if err != nil {
		return err
	}

	rec, payload, err := a.engine.Get(ctx, id)
	if err != nil {
		return err
	}

	printlnFn(fmt.Sprintf("%s %s (updated %s)", rec.Kind, rec.ID, rec.UpdatedAt.Format("2006-01-02 15:04:05")))
	if rec.Tombstone {
		printlnFn("Deleted.")
		return nil
	}

	switch item := payload.(type) {
	case *ledger.Account:
		printlnFn("Name:", item.Name)
		printlnFn("Code:", item.Code)
		printlnFn("Type:", item.Type)
		if item.ParentID != "" {
			printlnFn("Parent:", item.ParentID)
		}

	case *ledger.Transaction:
		printlnFn("Date:", item.Date.Format("2006-01-02"))
		printlnFn("Memo:", item.Memo)
		printlnFn("Status:", item.Status)
		for _, l := range item.Lines {
			printlnFn(fmt.Sprintf("  %s debit=%d credit=%d %s", l.AccountID, l.Debit, l.Credit, l.Memo))
		}

	case *ledger.Invoice:
		printlnFn("Number:", item.Number)
		printlnFn("Contact:", item.ContactID)
		printlnFn("Issued:", item.IssueDate.Format("2006-01-02"))
		printlnFn("Due:", item.DueDate.Format("2006-01-02"))
		printlnFn("Total:", item.Total)
		printlnFn("Status:", item.Status)
		if item.Notes != "" {
			printlnFn("Notes:", item.Notes)
		}
		if item.AttachmentKey != "" {
			printlnFn("Attachment:", item.AttachmentKey)
		}

	case *ledger.Contact:
		printlnFn("Name:", item.Name)
		printlnFn("Email:", item.Email)
		printlnFn("Tax id:", item.TaxID)

	case *ledger.Settings:
		printlnFn("Base currency:", item.BaseCurrency)
		printlnFn("Fiscal start:", item.FiscalStart)
	}

	superseded, err := a.store.ListSuperseded(ctx, id)
	if err != nil {
		return err
	}
	if len(superseded) > 0 {
		printlnFn(fmt.Sprintf("%d superseded version(s) retained", len(superseded)))
	}
	return nil
}

func summarize(rec ledger.Record, payload any) string {
	switch item := payload.(type) {
	case *ledger.Account:
		return fmt.Sprintf("%s  [%s] %s (%s)", rec.ID, item.Code, item.Name, item.Type)
	case *ledger.Transaction:
		return fmt.Sprintf("%s  %s %s (%s, %d lines)", rec.ID, item.Date.Format("2006-01-02"), item.Memo, item.Status, len(item.Lines))
	case *ledger.Invoice:
		return fmt.Sprintf("%s  %s total=%d %s", rec.ID, item.Number, item.Total, item.Status)
	case *ledger.Contact:
		return fmt.Sprintf("%s  %s <%s>", rec.ID, item.Name, item.Email)
	case *ledger.Settings:
		return fmt.Sprintf("%s  currency=%s", rec.ID, item.BaseCurrency)
	default:
		return rec.ID
	}
}
