package gdpr

import (
	"context"
	"crypto/rand"

	"golang.org/x/crypto/bcrypt"
)

var anonymizedFields = []string{
	"users.email", "users.display_name", "users.phone", "users.preferences",
	"users.password_hash", "users.payment_customer_id", "users.sms_number",
	"sessions", "api_tokens", "password_resets", "calendar_connections",
	"bookings.guest_contact", "bookings.notes", "sms_messages", "email_events",
}

// anonymize replaces the subject's personal data inside tx. Rows that other
// records depend on, such as bookings and invoice line items, are kept and
// stay keyed by the subject id. It reports false when the audit ledger shows
// the subject was already anonymized and nothing was written.
func (s *Service) anonymize(ctx context.Context, tx TxStore, req Request) (bool, error) {
	done, err := tx.SubjectAnonymized(ctx, req.SubjectID)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	placeholder := PlaceholderFor(req.SubjectID)
	passwordHash, err := unusablePasswordHash()
	if err != nil {
		return false, err
	}

	steps := []func() error{
		func() error { return tx.AnonymizeProfile(ctx, req.SubjectID, placeholder) },
		func() error { return tx.InvalidateCredentials(ctx, req.SubjectID, passwordHash) },
		func() error { return tx.SeverIntegrations(ctx, req.SubjectID) },
		func() error { return tx.ScrubBookings(ctx, req.SubjectID, placeholder) },
		func() error { return tx.ScrubCommunications(ctx, req.SubjectID, placeholder) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return false, err
		}
	}

	if err := tx.RecordAudit(ctx, req.SubjectID, ActionSubjectAnonymized, map[string]any{
		"requestId": req.ID,
		"fields":    anonymizedFields,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// unusablePasswordHash hashes a random secret nobody knows, so the stored
// credential can never match a login attempt.
func unusablePasswordHash() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
