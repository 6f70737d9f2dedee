package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tallysync/tally/internal/ledger"
)

// apply runs a mutation through the merge engine and prints the new entity id.
func (a *App) apply(ctx context.Context, mut ledger.Mutation) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}
	rec, err := a.engine.ApplyLocal(ctx, mut)
	if err != nil {
		return err
	}
	printlnFn("Saved:", rec.ID)
	return nil
}

// AddAccount collects account fields and adds a node to the chart of accounts.
func (a *App) AddAccount(ctx context.Context) error {
	name, err := getSimpleText(a.reader, "Enter account name", os.Stdout)
	if err != nil {
		return err
	}
	code, err := getSimpleText(a.reader, "Enter account code", os.Stdout)
	if err != nil {
		return err
	}
	accType, err := getSimpleText(a.reader, "Enter type (asset/liability/equity/income/expense)", os.Stdout)
	if err != nil {
		return err
	}
	parentID, err := getSimpleText(a.reader, "Enter parent account id (empty for top level)", os.Stdout)
	if err != nil {
		return err
	}

	return a.apply(ctx, ledger.Mutation{
		EntityID: uuid.NewString(),
		Kind:     ledger.KindAccount,
		Payload:  &ledger.Account{Name: name, Code: code, Type: accType, ParentID: parentID},
	})
}

// AddContact collects contact fields and persists a customer or vendor.
func (a *App) AddContact(ctx context.Context) error {
	name, err := getSimpleText(a.reader, "Enter contact name", os.Stdout)
	if err != nil {
		return err
	}
	email, err := getSimpleText(a.reader, "Enter email", os.Stdout)
	if err != nil {
		return err
	}
	taxID, err := getSimpleText(a.reader, "Enter tax id", os.Stdout)
	if err != nil {
		return err
	}

	return a.apply(ctx, ledger.Mutation{
		EntityID: uuid.NewString(),
		Kind:     ledger.KindContact,
		Payload:  &ledger.Contact{Name: name, Email: email, TaxID: taxID},
	})
}

// AddTransaction collects a date, memo and lines until an empty account id,
// then persists the transaction. Debits must equal credits; the engine
// rejects unbalanced input.
func (a *App) AddTransaction(ctx context.Context) error {
	dateStr, err := getSimpleText(a.reader, "Enter date (YYYY-MM-DD)", os.Stdout)
	if err != nil {
		return err
	}
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}
	memo, err := getSimpleText(a.reader, "Enter memo", os.Stdout)
	if err != nil {
		return err
	}

	var lines []ledger.TransactionLine
	for {
		accountID, err := getSimpleText(a.reader, "Enter line account id (empty to finish)", os.Stdout)
		if err != nil {
			return err
		}
		if accountID == "" {
			break
		}
		debit, err := getAmount(a.reader, "Enter debit (minor units)")
		if err != nil {
			return err
		}
		credit, err := getAmount(a.reader, "Enter credit (minor units)")
		if err != nil {
			return err
		}
		lines = append(lines, ledger.TransactionLine{AccountID: accountID, Debit: debit, Credit: credit})
	}
	if len(lines) == 0 {
		return fmt.Errorf("a transaction needs at least one line")
	}

	return a.apply(ctx, ledger.Mutation{
		EntityID: uuid.NewString(),
		Kind:     ledger.KindTransaction,
		Payload:  &ledger.Transaction{Date: date, Memo: memo, Status: ledger.StatusPosted, Lines: lines},
	})
}

// AddInvoice collects invoice fields and persists them.
func (a *App) AddInvoice(ctx context.Context) error {
	number, err := getSimpleText(a.reader, "Enter invoice number", os.Stdout)
	if err != nil {
		return err
	}
	contactID, err := getSimpleText(a.reader, "Enter contact id", os.Stdout)
	if err != nil {
		return err
	}
	issueStr, err := getSimpleText(a.reader, "Enter issue date (YYYY-MM-DD)", os.Stdout)
	if err != nil {
		return err
	}
	issue, err := time.Parse("2006-01-02", issueStr)
	if err != nil {
		return fmt.Errorf("invalid issue date: %w", err)
	}
	dueStr, err := getSimpleText(a.reader, "Enter due date (YYYY-MM-DD)", os.Stdout)
	if err != nil {
		return err
	}
	due, err := time.Parse("2006-01-02", dueStr)
	if err != nil {
		return fmt.Errorf("invalid due date: %w", err)
	}
	total, err := getAmount(a.reader, "Enter total (minor units)")
	if err != nil {
		return err
	}
	notes, err := GetMultiline(a.reader, "Enter notes", os.Stdout)
	if err != nil {
		return err
	}

	return a.apply(ctx, ledger.Mutation{
		EntityID: uuid.NewString(),
		Kind:     ledger.KindInvoice,
		Payload: &ledger.Invoice{
			Number:    number,
			ContactID: contactID,
			IssueDate: issue,
			DueDate:   due,
			Total:     total,
			Status:    "open",
			Notes:     notes,
		},
	})
}

// getAmount prompts for an integer amount in minor units. An empty line
// reads as zero.
func getAmount(reader *bufio.Reader, prompt string) (int64, error) {
	s, err := getSimpleText(reader, prompt, os.Stdout)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
