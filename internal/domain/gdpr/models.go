package gdpr

import (
	"context"
	"time"
)

// Request is a data-subject request. The raw verification token is never
// stored; only its digest is, and only while the request is pending.
type Request struct {
	ID                    string         `json:"id"`
	SubjectID             string         `json:"subjectId"`
	RequestType           RequestType    `json:"requestType"`
	Status                Status         `json:"status"`
	VerificationTokenHash string         `json:"-"`
	RequestedAt           time.Time      `json:"requestedAt"`
	VerifiedAt            *time.Time     `json:"verifiedAt,omitempty"`
	CompletedAt           *time.Time     `json:"completedAt,omitempty"`
	DeletionScheduledFor  *time.Time     `json:"deletionScheduledFor,omitempty"`
	ExportArtifactRef     string         `json:"exportArtifactRef,omitempty"`
	ArtifactExpiresAt     *time.Time     `json:"artifactExpiresAt,omitempty"`
	Metadata              map[string]any `json:"metadata"`
}

func (r Request) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed || r.Status == StatusCancelled
}

type CreateRequestInput struct {
	SubjectID   string
	RequestType RequestType
	Metadata    map[string]any
}

type CreatedRequest struct {
	RequestID         string `json:"requestId"`
	VerificationToken string `json:"verificationToken"`
	Status            Status `json:"status"`
}

type VerifyResult struct {
	RequestID   string `json:"requestId"`
	Status      Status `json:"status"`
	FailureCode string `json:"failureCode,omitempty"`
}

type Consent struct {
	ConsentType string     `json:"consentType"`
	Required    bool       `json:"required"`
	GrantedAt   time.Time  `json:"grantedAt"`
	WithdrawnAt *time.Time `json:"withdrawnAt,omitempty"`
}

type SubjectContact struct {
	Email  string
	Active bool
}

// SubjectData is the raw per-category snapshot collected for export.
type SubjectData struct {
	Profile       map[string]any
	Bookings      []map[string]any
	Notifications []map[string]any
	SMSMessages   []map[string]any
	EmailEvents   []map[string]any
	Invoices      []map[string]any
	Consents      []map[string]any
	Requests      []map[string]any
	AuditTrail    []map[string]any
}

// Placeholder holds the replacement contact values written over a subject
// during anonymization.
type Placeholder struct {
	Email       string
	DisplayName string
	Phone       string
	GuestName   string
}

// CleanupFunc removes or scrubs data older than cutoff and returns the number
// of rows affected. It must be safe to call repeatedly with the same cutoff.
type CleanupFunc func(ctx context.Context, cutoff time.Time) (int64, error)

type RetentionPolicy struct {
	Name          string      `json:"name"`
	Category      string      `json:"category"`
	RetentionDays int         `json:"retentionDays"`
	Description   string      `json:"description"`
	Cleanup       CleanupFunc `json:"-"`
}

// Cutoff returns the instant before which data governed by p is out of retention.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}

type PolicyResult struct {
	Policy       string    `json:"policy"`
	Category     string    `json:"category"`
	Cutoff       time.Time `json:"cutoff"`
	Status       string    `json:"status"`
	CleanedCount int64     `json:"cleanedCount"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
}

type SweepReport struct {
	StartedAt        time.Time      `json:"startedAt"`
	CompletedAt      time.Time      `json:"completedAt"`
	PoliciesExecuted int            `json:"policiesExecuted"`
	TotalCleaned     int64          `json:"totalCleaned"`
	ErrorCount       int            `json:"errorCount"`
	Results          []PolicyResult `json:"results"`
}

type DeletionFailure struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

type DueDeletionReport struct {
	Selected  int               `json:"selected"`
	Completed int               `json:"completed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Failures  []DeletionFailure `json:"failures,omitempty"`
}

// Artifact is a retrieved export document.
type Artifact struct {
	Data        []byte
	ContentType string
	FileName    string
}
