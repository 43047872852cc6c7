package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/opsync/internal/models"
	"golang.org/x/sync/errgroup"
)

// maxDecryptWorkers bounds parallel decryption of downloaded batches.
const maxDecryptWorkers = 4

// EncryptJSON seals a JSON document and returns it as a JSON string.
func (e *Encryptor) EncryptJSON(doc json.RawMessage) (json.RawMessage, error) {
	ct, err := e.Encrypt(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ct)
}

// DecryptJSON opens a JSON string produced by EncryptJSON.
func (e *Encryptor) DecryptJSON(sealed json.RawMessage) (json.RawMessage, error) {
	var ct string
	if err := json.Unmarshal(sealed, &ct); err != nil {
		return nil, fmt.Errorf("%w: encrypted payload is not a string", ErrMalformed)
	}
	plain, err := e.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plain) {
		return nil, fmt.Errorf("%w: decrypted payload is not JSON", ErrMalformed)
	}
	return plain, nil
}

// EncryptOperation returns a copy of op with its payload sealed. Operations
// that are already encrypted are returned as is.
func (e *Encryptor) EncryptOperation(op *models.Operation) (*models.Operation, error) {
	if op.IsPayloadEncrypted {
		return op, nil
	}
	sealed, err := e.EncryptJSON(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt operation %s: %w", op.ID, err)
	}
	out := op.Clone()
	out.Payload = sealed
	out.IsPayloadEncrypted = true
	return out, nil
}

// DecryptOperation returns a copy of op with its payload opened. Plaintext
// operations are returned as is.
func (e *Encryptor) DecryptOperation(op *models.Operation) (*models.Operation, error) {
	if !op.IsPayloadEncrypted {
		return op, nil
	}
	plain, err := e.DecryptJSON(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt operation %s: %w", op.ID, err)
	}
	out := op.Clone()
	out.Payload = plain
	out.IsPayloadEncrypted = false
	return out, nil
}

// EncryptOperations seals every operation in order.
func (e *Encryptor) EncryptOperations(ops []*models.Operation) ([]*models.Operation, error) {
	out := make([]*models.Operation, len(ops))
	for i, op := range ops {
		enc, err := e.EncryptOperation(op)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// DecryptOperations opens a downloaded batch in parallel, keeping order.
func (e *Encryptor) DecryptOperations(ctx context.Context, ops []*models.SyncOperation) ([]*models.SyncOperation, error) {
	out := make([]*models.SyncOperation, len(ops))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDecryptWorkers)

	for i, op := range ops {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plain, err := e.DecryptOperation(&op.Operation)
			if err != nil {
				return err
			}
			out[i] = &models.SyncOperation{Operation: *plain, ServerSeq: op.ServerSeq, ReceivedAt: op.ReceivedAt}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
