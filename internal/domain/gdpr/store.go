package gdpr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"booking/internal/platform/db"
	"booking/internal/platform/querier"
)

// Store is the PostgreSQL implementation of StoreAPI.
type Store struct {
	DB   querier.Querier
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{DB: pool, pool: pool}
}

// isUUID reports whether id is in the canonical hyphenated form Postgres will
// cast without error. Anything else cannot match a row.
func isUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{db: tx})
	})
}

const requestColumns = `
  id, subject_id, request_type, status, COALESCE(verification_token_hash, ''),
  requested_at, verified_at, completed_at, deletion_scheduled_for,
  COALESCE(export_artifact_ref, ''), artifact_expires_at, metadata`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var requestType, status string
	var metadata []byte
	err := row.Scan(
		&req.ID, &req.SubjectID, &requestType, &status, &req.VerificationTokenHash,
		&req.RequestedAt, &req.VerifiedAt, &req.CompletedAt, &req.DeletionScheduledFor,
		&req.ExportArtifactRef, &req.ArtifactExpiresAt, &metadata,
	)
	if err != nil {
		return Request{}, err
	}
	req.RequestType = RequestType(requestType)
	req.Status = Status(status)
	req.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &req.Metadata); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// scanTransition maps a conditional update that matched nothing to
// ErrStateConflict.
func scanTransition(row pgx.Row) (Request, error) {
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrStateConflict
	}
	return req, err
}

func encodeNotes(notes map[string]any) ([]byte, error) {
	if len(notes) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(notes)
}
