package gdpr

import "time"

type RequestType string

const (
	RequestExport                RequestType = "export"
	RequestDeletion              RequestType = "deletion"
	RequestRectification         RequestType = "rectification"
	RequestConsentWithdrawal     RequestType = "consent_withdrawal"
	RequestPortability           RequestType = "portability"
	RequestProcessingRestriction RequestType = "processing_restriction"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Audit actions written by the engine.
const (
	ActionRequestCreated       = "request.created"
	ActionRequestVerified      = "request.verified"
	ActionRequestCompleted     = "request.completed"
	ActionRequestFailed        = "request.failed"
	ActionDeletionScheduled    = "deletion.scheduled"
	ActionDeletionCancelled    = "deletion.cancelled"
	ActionDueDeletionRun       = "deletion.due_run"
	ActionSubjectAnonymized    = "subject.anonymized"
	ActionConsentWithdrawn     = "consent.withdrawn"
	ActionSubjectRectified     = "subject.rectified"
	ActionProcessingRestricted = "processing.restricted"
	ActionRetentionSweep       = "retention.sweep"
	ActionRetentionPolicyRun   = "retention.policy_run"
)

const (
	CategoryCompliance    = "compliance"
	CategoryAuth          = "auth"
	CategorySecurity      = "security"
	CategoryCommunication = "communication"
	CategoryIntegration   = "integration"
	CategoryBilling       = "billing"
	CategoryScheduling    = "scheduling"
	CategoryOperations    = "operations"
)

const (
	PolicyStatusCompleted = "completed"
	PolicyStatusFailed    = "failed"
)

const (
	FormatJSON = "json"
	FormatPDF  = "pdf"
)

const (
	DefaultGracePeriod        = 30 * 24 * time.Hour
	DefaultVerificationWindow = 72 * time.Hour
	DefaultArtifactTTL        = 30 * 24 * time.Hour
	DefaultPolicyTimeout      = 5 * time.Minute
	DefaultDueDeletionBatch   = 200
	maxGracePeriodDays        = 90
)

// Lifecycle notes the engine appends to request metadata. Callers may not set
// them, so an appended note never replaces submitted data.
const (
	NoteOutcome        = "outcome"
	NoteFailure        = "failure"
	NoteCancellation   = "cancellation"
	NoteReviewRequired = "review_required"
)

var reservedMetadataKeys = []string{NoteOutcome, NoteFailure, NoteCancellation, NoteReviewRequired}

// RectifiableFields are the profile columns a subject may change without review.
var RectifiableFields = []string{"display_name", "phone", "locale", "timezone"}
