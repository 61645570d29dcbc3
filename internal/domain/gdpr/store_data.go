package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Store) SubjectContact(ctx context.Context, subjectID string) (SubjectContact, error) {
	var email, status string
	err := s.DB.QueryRow(ctx, `
    SELECT email, status FROM users WHERE id = $1
  `, subjectID).Scan(&email, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return SubjectContact{}, ErrSubjectNotFound
	}
	if err != nil {
		return SubjectContact{}, err
	}
	return SubjectContact{Email: email, Active: status == "active"}, nil
}

// CollectSubjectData reads every category held for the subject. Credentials
// and third-party secrets are never selected.
func (s *Store) CollectSubjectData(ctx context.Context, subjectID string) (SubjectData, error) {
	var data SubjectData

	profiles, err := s.queryRowsAsJSON(ctx, `
    SELECT row_to_json(u) FROM (
      SELECT id, email, display_name, phone, locale, timezone, preferences, status,
             processing_restricted, created_at, updated_at
      FROM users WHERE id = $1
    ) u`, subjectID)
	if err != nil {
		return data, fmt.Errorf("profile: %w", err)
	}
	if len(profiles) == 0 {
		return data, ErrSubjectNotFound
	}
	data.Profile = profiles[0]

	sections := []struct {
		name  string
		dest  *[]map[string]any
		query string
	}{
		{"bookings", &data.Bookings, `
      SELECT row_to_json(b) FROM (
        SELECT id, guest_name, guest_email, guest_phone, notes, status, starts_at, ends_at, cancelled_at, created_at
        FROM bookings WHERE owner_id = $1 ORDER BY starts_at
      ) b`},
		{"notifications", &data.Notifications, `
      SELECT row_to_json(n) FROM (
        SELECT id, channel, template, created_at FROM notification_log WHERE user_id = $1 ORDER BY created_at
      ) n`},
		{"sms", &data.SMSMessages, `
      SELECT row_to_json(m) FROM (
        SELECT id, to_number, body, created_at FROM sms_messages WHERE user_id = $1 ORDER BY created_at
      ) m`},
		{"email events", &data.EmailEvents, `
      SELECT row_to_json(e) FROM (
        SELECT id, event, recipient, created_at FROM email_events WHERE user_id = $1 ORDER BY created_at
      ) e`},
		{"invoices", &data.Invoices, `
      SELECT row_to_json(i) FROM (
        SELECT inv.id, inv.booking_id, inv.amount_cents, inv.currency, inv.status, inv.issued_at,
               COALESCE(json_agg(json_build_object('description', li.description, 'amount_cents', li.amount_cents))
                 FILTER (WHERE li.id IS NOT NULL), '[]'::json) AS line_items
        FROM invoices inv
        LEFT JOIN invoice_line_items li ON li.invoice_id = inv.id
        WHERE inv.user_id = $1
        GROUP BY inv.id
        ORDER BY inv.issued_at
      ) i`},
		{"consents", &data.Consents, `
      SELECT row_to_json(c) FROM (
        SELECT consent_type, required, granted_at, withdrawn_at FROM consents WHERE user_id = $1 ORDER BY consent_type
      ) c`},
		{"requests", &data.Requests, `
      SELECT row_to_json(r) FROM (
        SELECT id, request_type, status, requested_at, verified_at, completed_at
        FROM data_subject_requests WHERE subject_id = $1 ORDER BY requested_at
      ) r`},
		{"audit trail", &data.AuditTrail, `
      SELECT row_to_json(a) FROM (
        SELECT action, metadata, created_at FROM audit_records WHERE subject_id = $1 ORDER BY created_at
      ) a`},
	}
	for _, section := range sections {
		rows, err := s.queryRowsAsJSON(ctx, section.query, subjectID)
		if err != nil {
			return data, fmt.Errorf("%s: %w", section.name, err)
		}
		*section.dest = rows
	}
	return data, nil
}

func (s *Store) ListConsents(ctx context.Context, subjectID string) ([]Consent, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT consent_type, required, granted_at, withdrawn_at
    FROM consents
    WHERE user_id = $1
    ORDER BY consent_type
  `, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Consent
	for rows.Next() {
		var c Consent
		if err := rows.Scan(&c.ConsentType, &c.Required, &c.GrantedAt, &c.WithdrawnAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WithdrawConsents never touches required consents regardless of input.
func (s *Store) WithdrawConsents(ctx context.Context, subjectID string, consentTypes []string, now time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
    UPDATE consents
    SET withdrawn_at = $3
    WHERE user_id = $1
      AND consent_type = ANY($2)
      AND required = false
      AND withdrawn_at IS NULL
  `, subjectID, consentTypes, now)
	return tag.RowsAffected(), err
}

func (s *Store) RectifySubject(ctx context.Context, subjectID string, fields map[string]string) error {
	var sets []string
	args := []any{subjectID}
	for _, column := range RectifiableFields {
		value, ok := fields[column]
		if !ok {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	tag, err := s.DB.Exec(ctx, "UPDATE users SET "+strings.Join(sets, ", ")+", updated_at = now() WHERE id = $1", args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (s *Store) SetProcessingRestriction(ctx context.Context, subjectID string, restricted bool) error {
	tag, err := s.DB.Exec(ctx, `
    UPDATE users SET processing_restricted = $2, updated_at = now() WHERE id = $1
  `, subjectID, restricted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (s *Store) queryRowsAsJSON(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var rowJSON []byte
		if err := rows.Scan(&rowJSON); err != nil {
			return nil, err
		}
		var row map[string]any
		if err := json.Unmarshal(rowJSON, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
