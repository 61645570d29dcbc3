package gdpr

import (
	"context"
	"time"

	"booking/internal/domain/audit"
	"booking/internal/platform/querier"
)

type txStore struct {
	db querier.Querier
}

// ClaimDeletion completes a due deletion inside the anonymization transaction.
// The grace-period check lives in the same statement as CancelDeletion's.
func (t *txStore) ClaimDeletion(ctx context.Context, requestID string, now time.Time) (Request, error) {
	return scanTransition(t.db.QueryRow(ctx, `
    UPDATE data_subject_requests
    SET status = 'completed', completed_at = $2, deletion_scheduled_for = NULL
    WHERE id = $1
      AND status = 'processing'
      AND request_type = 'deletion'
      AND deletion_scheduled_for <= $2
    RETURNING `+requestColumns,
		requestID, now))
}

// SubjectAnonymized consults the audit ledger inside the transaction.
func (t *txStore) SubjectAnonymized(ctx context.Context, subjectID string) (bool, error) {
	return audit.New(t.db).Exists(ctx, subjectID, ActionSubjectAnonymized)
}

func (t *txStore) AnonymizeProfile(ctx context.Context, subjectID string, placeholder Placeholder) error {
	tag, err := t.db.Exec(ctx, `
    UPDATE users
    SET email = $2,
        display_name = $3,
        phone = $4,
        preferences = '{}'::jsonb,
        status = 'anonymized',
        updated_at = now()
    WHERE id = $1
  `, subjectID, placeholder.Email, placeholder.DisplayName, placeholder.Phone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (t *txStore) InvalidateCredentials(ctx context.Context, subjectID, passwordHash string) error {
	if _, err := t.db.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, subjectID, passwordHash); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM sessions WHERE user_id = $1",
		"DELETE FROM api_tokens WHERE user_id = $1",
		"DELETE FROM password_resets WHERE user_id = $1",
	} {
		if _, err := t.db.Exec(ctx, q, subjectID); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) SeverIntegrations(ctx context.Context, subjectID string) error {
	if _, err := t.db.Exec(ctx, `DELETE FROM calendar_connections WHERE user_id = $1`, subjectID); err != nil {
		return err
	}
	_, err := t.db.Exec(ctx, `
    UPDATE users SET payment_customer_id = NULL, sms_number = NULL WHERE id = $1
  `, subjectID)
	return err
}

// ScrubBookings clears guest contact details. Booking rows stay so invoice
// line items keep their references.
func (t *txStore) ScrubBookings(ctx context.Context, subjectID string, placeholder Placeholder) error {
	_, err := t.db.Exec(ctx, `
    UPDATE bookings
    SET guest_name = $2, guest_email = NULL, guest_phone = NULL, notes = NULL
    WHERE owner_id = $1
  `, subjectID, placeholder.GuestName)
	return err
}

func (t *txStore) ScrubCommunications(ctx context.Context, subjectID string, placeholder Placeholder) error {
	if _, err := t.db.Exec(ctx, `
    UPDATE sms_messages SET to_number = $2, body = '' WHERE user_id = $1
  `, subjectID, placeholder.Phone); err != nil {
		return err
	}
	_, err := t.db.Exec(ctx, `
    UPDATE email_events SET recipient = $2 WHERE user_id = $1
  `, subjectID, placeholder.Email)
	return err
}

func (t *txStore) RecordAudit(ctx context.Context, subjectID, action string, metadata any) error {
	return audit.New(t.db).Record(ctx, subjectID, action, metadata)
}
