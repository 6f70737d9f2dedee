package sync

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tallysync/tally/internal/cryptox"
	"github.com/tallysync/tally/internal/netx"
	"github.com/tallysync/tally/internal/relay/api"
)

// AES-GCM nonce length; attachment blobs are stored as nonce || ciphertext.
const attachmentNonceSize = 12

// UploadAttachment seals data under the company key and uploads it straight
// to object storage through a relay-presigned URL. The relay and the storage
// backend only ever see ciphertext. Returns the storage key to reference from
// a ledger record.
func (c *Client) UploadAttachment(ctx context.Context, data []byte) (string, error) {
	var presigned api.PresignResponse
	err := c.doJSON(ctx, http.MethodPost, api.RoutePresign, api.PresignRequest{Method: http.MethodPut}, &presigned)
	if err != nil {
		return "", err
	}

	box, err := cryptox.Seal(c.key, data)
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, len(box.Nonce)+len(box.Ciphertext))
	blob = append(blob, box.Nonce...)
	blob = append(blob, box.Ciphertext...)

	if err := netx.UploadToS3PresignedURL(presigned.URL, blob); err != nil {
		return "", fmt.Errorf("uploading attachment: %w", err)
	}
	return presigned.Key, nil
}

// DownloadAttachment fetches and decrypts an attachment blob by its storage
// key.
func (c *Client) DownloadAttachment(ctx context.Context, key string) ([]byte, error) {
	var presigned api.PresignResponse
	err := c.doJSON(ctx, http.MethodPost, api.RoutePresign, api.PresignRequest{Method: http.MethodGet, Key: key}, &presigned)
	if err != nil {
		return nil, err
	}

	blob, err := netx.DownloadFromS3PresignedURL(presigned.URL)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment: %w", err)
	}
	if len(blob) < attachmentNonceSize {
		return nil, fmt.Errorf("attachment blob too short")
	}

	return cryptox.Open(c.key, cryptox.Box{
		Nonce:      blob[:attachmentNonceSize],
		Ciphertext: blob[attachmentNonceSize:],
	})
}
