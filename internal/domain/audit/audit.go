package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"booking/internal/platform/querier"
)

// Record is one append-only lifecycle event. SubjectID is empty for
// system-initiated entries such as retention sweeps.
type Record struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subjectId,omitempty"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Filter struct {
	SubjectID string
	Action    string
}

// Sink writes to and reads from audit_records. It never updates or deletes;
// aged records leave only through the retention sweep.
type Sink struct {
	DB querier.Querier
}

func New(db querier.Querier) *Sink {
	return &Sink{DB: db}
}

func (s *Sink) Record(ctx context.Context, subjectID, action string, metadata any) error {
	payload := []byte("{}")
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		payload = encoded
	}

	_, err := s.DB.Exec(ctx, `
    INSERT INTO audit_records (subject_id, action, metadata)
    VALUES (NULLIF($1, '')::uuid, $2, $3)
  `, subjectID, action, payload)
	return err
}

// Exists reports whether an entry with the given subject and action was
// already written. Used as an idempotency ledger.
func (s *Sink) Exists(ctx context.Context, subjectID, action string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `
    SELECT 1
    FROM audit_records
    WHERE subject_id = $1::uuid AND action = $2
    LIMIT 1
  `, subjectID, action).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sink) Count(ctx context.Context, filter Filter) (int, error) {
	query, args := buildBaseQuery("SELECT COUNT(1)", filter)
	var total int
	if err := s.DB.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Sink) List(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	query, args := buildBaseQuery("SELECT id, COALESCE(subject_id::text, ''), action, metadata, created_at", filter)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.Action, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildBaseQuery(prefix string, filter Filter) (string, []any) {
	query := prefix + " FROM audit_records WHERE 1=1"
	var args []any
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		query += fmt.Sprintf(" AND subject_id = $%d::uuid", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	return query, args
}
