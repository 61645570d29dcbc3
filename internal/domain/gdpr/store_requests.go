package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateRequest(ctx context.Context, req Request) (Request, error) {
	if !isUUID(req.SubjectID) {
		return Request{}, ErrSubjectNotFound
	}
	metadata, err := json.Marshal(cloneMetadata(req.Metadata))
	if err != nil {
		return Request{}, err
	}
	row := s.DB.QueryRow(ctx, `
    INSERT INTO data_subject_requests (subject_id, request_type, status, verification_token_hash, requested_at, metadata)
    VALUES ($1, $2, $3, $4, $5, $6)
    RETURNING `+requestColumns,
		req.SubjectID, string(req.RequestType), string(StatusPending), req.VerificationTokenHash, req.RequestedAt, metadata)
	return scanRequest(row)
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (Request, error) {
	if !isUUID(requestID) {
		return Request{}, ErrRequestNotFound
	}
	req, err := scanRequest(s.DB.QueryRow(ctx, `
    SELECT `+requestColumns+`
    FROM data_subject_requests
    WHERE id = $1
  `, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	return req, err
}

func (s *Store) ListRequests(ctx context.Context, subjectID string, limit, offset int) ([]Request, int, error) {
	if !isUUID(subjectID) {
		return nil, 0, nil
	}
	var total int
	if err := s.DB.QueryRow(ctx, `
    SELECT COUNT(1) FROM data_subject_requests WHERE subject_id = $1
  `, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.DB.Query(ctx, `
    SELECT `+requestColumns+`
    FROM data_subject_requests
    WHERE subject_id = $1
    ORDER BY requested_at DESC
    LIMIT $2 OFFSET $3
  `, subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

func (s *Store) VerifyRequest(ctx context.Context, tokenHash string, now, requestedAfter time.Time) (Request, error) {
	req, err := scanRequest(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'processing', verified_at = $2, verification_token_hash = NULL
    WHERE verification_token_hash = $1
      AND status = 'pending'
      AND requested_at >= $3
    RETURNING `+requestColumns,
		tokenHash, now, requestedAfter))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrTokenInvalidOrExpired
	}
	return req, err
}

func (s *Store) ScheduleDeletion(ctx context.Context, requestID string, at time.Time) (Request, error) {
	return scanTransition(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET deletion_scheduled_for = $2
    WHERE id = $1
      AND status = 'processing'
      AND request_type = 'deletion'
      AND deletion_scheduled_for IS NULL
    RETURNING `+requestColumns,
		requestID, at))
}

func (s *Store) CompleteRequest(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	payload, err := encodeNotes(notes)
	if err != nil {
		return Request{}, err
	}
	return scanTransition(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'completed', completed_at = $2, metadata = metadata || $3::jsonb
    WHERE id = $1
      AND status = 'processing'
      AND request_type <> 'deletion'
    RETURNING `+requestColumns,
		requestID, now, payload))
}

func (s *Store) CompleteExport(ctx context.Context, requestID string, now time.Time, ref string, expiresAt time.Time, notes map[string]any) (Request, error) {
	payload, err := encodeNotes(notes)
	if err != nil {
		return Request{}, err
	}
	return scanTransition(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'completed',
        completed_at = $2,
        export_artifact_ref = $3,
        artifact_expires_at = $4,
        metadata = metadata || $5::jsonb
    WHERE id = $1
      AND status = 'processing'
      AND request_type IN ('export', 'portability')
    RETURNING `+requestColumns,
		requestID, now, ref, expiresAt, payload))
}

func (s *Store) FailRequest(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	payload, err := encodeNotes(notes)
	if err != nil {
		return Request{}, err
	}
	return scanTransition(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'failed',
        completed_at = $2,
        deletion_scheduled_for = NULL,
        metadata = metadata || $3::jsonb
    WHERE id = $1 AND status = 'processing'
    RETURNING `+requestColumns,
		requestID, now, payload))
}

// CancelDeletion decides on the grace period inside the update itself, so a
// concurrent claim by the due-deletion run and a cancellation cannot both win.
func (s *Store) CancelDeletion(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	payload, err := encodeNotes(notes)
	if err != nil {
		return Request{}, err
	}
	return scanTransition(s.DB.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'cancelled',
        completed_at = $2,
        deletion_scheduled_for = NULL,
        metadata = metadata || $3::jsonb
    WHERE id = $1
      AND status = 'processing'
      AND request_type = 'deletion'
      AND deletion_scheduled_for > $2
    RETURNING `+requestColumns,
		requestID, now, payload))
}

func (s *Store) DueDeletions(ctx context.Context, now time.Time, limit int) ([]Request, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT `+requestColumns+`
    FROM data_subject_requests
    WHERE status = 'processing'
      AND request_type = 'deletion'
      AND deletion_scheduled_for <= $1
    ORDER BY deletion_scheduled_for
    LIMIT $2
  `, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
