package gdpr

import (
	"context"
	"time"
)

// StoreAPI is the persistence contract of the engine. Every status change is a
// conditional update on the expected current status; a transition that matches
// no row returns ErrStateConflict. VerifyRequest is the exception: an unknown,
// consumed or expired token returns ErrTokenInvalidOrExpired.
type StoreAPI interface {
	CreateRequest(ctx context.Context, req Request) (Request, error)
	GetRequest(ctx context.Context, requestID string) (Request, error)
	ListRequests(ctx context.Context, subjectID string, limit, offset int) ([]Request, int, error)
	VerifyRequest(ctx context.Context, tokenHash string, now, requestedAfter time.Time) (Request, error)
	ScheduleDeletion(ctx context.Context, requestID string, at time.Time) (Request, error)
	CompleteRequest(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error)
	CompleteExport(ctx context.Context, requestID string, now time.Time, ref string, expiresAt time.Time, notes map[string]any) (Request, error)
	FailRequest(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error)
	CancelDeletion(ctx context.Context, requestID string, now time.Time, notes map[string]any) (Request, error)
	DueDeletions(ctx context.Context, now time.Time, limit int) ([]Request, error)

	SubjectContact(ctx context.Context, subjectID string) (SubjectContact, error)
	CollectSubjectData(ctx context.Context, subjectID string) (SubjectData, error)
	ListConsents(ctx context.Context, subjectID string) ([]Consent, error)
	WithdrawConsents(ctx context.Context, subjectID string, consentTypes []string, now time.Time) (int64, error)
	RectifySubject(ctx context.Context, subjectID string, fields map[string]string) error
	SetProcessingRestriction(ctx context.Context, subjectID string, restricted bool) error

	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx TxStore) error) error
}

// TxStore is the set of writes that make up one anonymization.
type TxStore interface {
	ClaimDeletion(ctx context.Context, requestID string, now time.Time) (Request, error)
	SubjectAnonymized(ctx context.Context, subjectID string) (bool, error)
	AnonymizeProfile(ctx context.Context, subjectID string, placeholder Placeholder) error
	InvalidateCredentials(ctx context.Context, subjectID, passwordHash string) error
	SeverIntegrations(ctx context.Context, subjectID string) error
	ScrubBookings(ctx context.Context, subjectID string, placeholder Placeholder) error
	ScrubCommunications(ctx context.Context, subjectID string, placeholder Placeholder) error
	RecordAudit(ctx context.Context, subjectID, action string, metadata any) error
}

// AuditSink appends compliance evidence.
type AuditSink interface {
	Record(ctx context.Context, subjectID, action string, metadata any) error
}

// ArtifactStore holds export documents. Put returns an opaque reference.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	// RetrievalURL returns a time-boxed direct link, or an empty string when
	// the backend cannot issue one.
	RetrievalURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// Encrypter seals artifacts at rest. The associated data binds a ciphertext
// to the artifact key it was written under.
type Encrypter interface {
	Configured() bool
	Encrypt(plaintext, associatedData []byte) ([]byte, error)
	Decrypt(ciphertext, associatedData []byte) ([]byte, error)
}

type Mailer interface {
	Send(ctx context.Context, from, to, subject, body string) error
}
