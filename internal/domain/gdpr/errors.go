package gdpr

import "errors"

var (
	ErrInvalidRequestType    = errors.New("invalid request type")
	ErrSubjectRequired       = errors.New("subject id is required")
	ErrInvalidMetadata       = errors.New("invalid request metadata")
	ErrTokenInvalidOrExpired = errors.New("verification token invalid or expired")
	ErrConsentRequired       = errors.New("consent is required for an active account")
	ErrGracePeriodExpired    = errors.New("deletion grace period has expired")
	ErrNotCancellable        = errors.New("request is not cancellable")
	ErrAnonymizationFailed   = errors.New("anonymization failed")
	ErrExportFailed          = errors.New("export failed")
	ErrPolicyExecutionFailed = errors.New("retention policy execution failed")
	ErrPolicyNotFound        = errors.New("retention policy not found")
	ErrRequestNotFound       = errors.New("request not found")
	ErrSubjectNotFound       = errors.New("subject not found")
	ErrArtifactExpired       = errors.New("export artifact expired")
	ErrArtifactUnavailable   = errors.New("export artifact unavailable")
	// ErrStateConflict means a conditional transition matched no row because
	// the request was no longer in the expected state.
	ErrStateConflict = errors.New("request state changed concurrently")
)

// ErrorCode maps an engine error to the stable code exposed to callers and
// recorded in request metadata.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequestType):
		return "invalid_request_type"
	case errors.Is(err, ErrSubjectRequired):
		return "subject_required"
	case errors.Is(err, ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, ErrTokenInvalidOrExpired):
		return "token_invalid_or_expired"
	case errors.Is(err, ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, ErrGracePeriodExpired):
		return "grace_period_expired"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrAnonymizationFailed):
		return "anonymization_failed"
	case errors.Is(err, ErrExportFailed):
		return "export_failed"
	case errors.Is(err, ErrPolicyNotFound):
		return "policy_not_found"
	case errors.Is(err, ErrPolicyExecutionFailed):
		return "policy_execution_failed"
	case errors.Is(err, ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrSubjectNotFound):
		return "subject_not_found"
	case errors.Is(err, ErrArtifactExpired):
		return "artifact_expired"
	case errors.Is(err, ErrArtifactUnavailable):
		return "artifact_unavailable"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	default:
		return "internal_error"
	}
}
