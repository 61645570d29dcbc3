package gdpr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Process runs the handler for a verified request. Handlers either finish the
// request or, for deletions with a grace period, leave it processing. A
// handler error marks the request failed; the error is returned alongside the
// failed request. Processing is detached from ctx cancellation so a verified
// request is never left processing by a dropped caller.
func (s *Service) Process(ctx context.Context, req Request) (Request, error) {
	if req.Status != StatusProcessing {
		return req, fmt.Errorf("%w: request %s is %s", ErrStateConflict, req.ID, req.Status)
	}
	ctx = context.WithoutCancel(ctx)

	var out Request
	var err error
	switch req.RequestType {
	case RequestExport, RequestPortability:
		out, err = s.processExport(ctx, req)
	case RequestDeletion:
		out, err = s.scheduleDeletion(ctx, req)
	case RequestConsentWithdrawal:
		out, err = s.processConsentWithdrawal(ctx, req)
	case RequestRectification:
		out, err = s.processRectification(ctx, req)
	case RequestProcessingRestriction:
		out, err = s.processRestriction(ctx, req)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidRequestType, req.RequestType)
	}
	if err == nil {
		return out, nil
	}
	if out.Terminal() {
		return out, err
	}
	if errors.Is(err, ErrStateConflict) {
		current, getErr := s.store.GetRequest(ctx, req.ID)
		if getErr != nil {
			return req, err
		}
		return current, err
	}
	return s.failRequest(ctx, req, err), err
}

func (s *Service) completeRequest(ctx context.Context, req Request, notes map[string]any) (Request, error) {
	done, err := s.store.CompleteRequest(ctx, req.ID, s.now(), notes)
	if err != nil {
		return req, err
	}
	s.afterCompletion(ctx, done, notes)
	return done, nil
}

func (s *Service) afterCompletion(ctx context.Context, req Request, notes map[string]any) {
	s.metrics.RequestTransition(string(req.RequestType), string(StatusCompleted))
	meta := map[string]any{"requestId": req.ID, "requestType": req.RequestType}
	for k, v := range notes {
		meta[k] = v
	}
	s.recordAudit(ctx, req.SubjectID, ActionRequestCompleted, meta)
	s.notify(ctx, req.SubjectID, "Your privacy request is complete",
		fmt.Sprintf("Your %s request has been completed.", humanType(req.RequestType)))
}

// failRequest records cause in the request metadata. If the request already
// left processing the current state is returned unchanged.
func (s *Service) failRequest(ctx context.Context, req Request, cause error) Request {
	now := s.now()
	code := ErrorCode(cause)
	notes := map[string]any{
		NoteFailure: map[string]any{
			"code":     code,
			"message":  cause.Error(),
			"failedAt": now.Format(time.RFC3339),
		},
	}
	failed, err := s.store.FailRequest(ctx, req.ID, now, notes)
	if err != nil {
		slog.Warn("privacy request fail update failed", "requestId", req.ID, "err", err)
		if current, getErr := s.store.GetRequest(ctx, req.ID); getErr == nil {
			return current
		}
		return req
	}
	s.metrics.RequestTransition(string(req.RequestType), string(StatusFailed))
	s.recordAudit(ctx, req.SubjectID, ActionRequestFailed, map[string]any{
		"requestId":   req.ID,
		"requestType": req.RequestType,
		"code":        code,
	})
	s.notify(ctx, req.SubjectID, "Your privacy request could not be completed",
		fmt.Sprintf("Your %s request could not be completed (%s). Please contact support.", humanType(req.RequestType), code))
	return failed
}

func (s *Service) processRestriction(ctx context.Context, req Request) (Request, error) {
	if err := s.store.SetProcessingRestriction(ctx, req.SubjectID, true); err != nil {
		return req, err
	}
	s.recordAudit(ctx, req.SubjectID, ActionProcessingRestricted, map[string]any{"requestId": req.ID})
	return s.completeRequest(ctx, req, map[string]any{NoteOutcome: map[string]any{"restricted": true}})
}

// processRectification applies self-service fields directly. Anything else,
// or an empty change set, completes with review_required for an operator.
func (s *Service) processRectification(ctx context.Context, req Request) (Request, error) {
	fields, _ := req.Metadata["fields"].(map[string]any)
	applied, review := splitRectification(fields)

	if len(applied) > 0 {
		if err := s.store.RectifySubject(ctx, req.SubjectID, applied); err != nil {
			return req, err
		}
		keys := make([]string, 0, len(applied))
		for _, f := range RectifiableFields {
			if _, ok := applied[f]; ok {
				keys = append(keys, f)
			}
		}
		s.recordAudit(ctx, req.SubjectID, ActionSubjectRectified, map[string]any{
			"requestId": req.ID,
			"fields":    keys,
		})
	}

	outcome := map[string]any{"applied": len(applied)}
	notes := map[string]any{NoteOutcome: outcome}
	if len(review) > 0 || len(applied) == 0 {
		notes[NoteReviewRequired] = map[string]any{"fields": review}
	}
	return s.completeRequest(ctx, req, notes)
}

func humanType(t RequestType) string {
	return strings.ReplaceAll(string(t), "_", " ")
}
