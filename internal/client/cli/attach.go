package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tallysync/tally/internal/filex"
	"github.com/tallysync/tally/internal/ledger"
)

// Attach encrypts a local file under the company key, uploads the ciphertext
// to object storage through a relay-presigned URL, and links the storage key
// to an invoice.
func (a *App) Attach(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	invoiceID, err := getSimpleText(a.reader, "Enter invoice id", os.Stdout)
	if err != nil {
		return err
	}
	path, err := getSimpleText(a.reader, "Enter file path", os.Stdout)
	if err != nil {
		return err
	}

	rec, payload, err := a.engine.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	invoice, ok := payload.(*ledger.Invoice)
	if !ok {
		return fmt.Errorf("%s is not an invoice", invoiceID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	key, err := a.relay.UploadAttachment(ctx, data)
	if err != nil {
		return err
	}

	invoice.AttachmentKey = key
	if err := a.apply(ctx, ledger.Mutation{EntityID: rec.ID, Kind: ledger.KindInvoice, Payload: invoice}); err != nil {
		return err
	}
	printlnFn("Attached:", key)
	return nil
}

// Fetch downloads an invoice's attachment, decrypts it and saves it under
// ./attachments using the invoice number as filename.
func (a *App) Fetch(ctx context.Context) error {
	if !a.isLoggedIn() {
		return fmt.Errorf("not logged in")
	}

	invoiceID, err := getSimpleText(a.reader, "Enter invoice id", os.Stdout)
	if err != nil {
		return err
	}

	_, payload, err := a.engine.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	invoice, ok := payload.(*ledger.Invoice)
	if !ok {
		return fmt.Errorf("%s is not an invoice", invoiceID)
	}
	if invoice.AttachmentKey == "" {
		return fmt.Errorf("invoice has no attachment")
	}

	data, err := a.relay.DownloadAttachment(ctx, invoice.AttachmentKey)
	if err != nil {
		return err
	}

	dir, err := filex.EnsureSubdDir("attachments")
	if err != nil {
		return err
	}
	outputFile := filepath.Join(dir, filepath.Base(invoice.AttachmentKey))
	if invoice.Number != "" {
		outputFile = filepath.Join(dir, invoice.Number)
	}

	if err := os.WriteFile(outputFile, data, 0o600); err != nil {
		return err
	}
	printlnFn("File saved to:", outputFile)
	return nil
}
