package gdpr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// CreateRequest records a pending request and issues its single-use
// verification token. The raw token is returned once and never stored.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (CreatedRequest, error) {
	if strings.TrimSpace(in.SubjectID) == "" {
		return CreatedRequest{}, ErrSubjectRequired
	}
	if !ValidRequestType(in.RequestType) {
		return CreatedRequest{}, fmt.Errorf("%w: %q", ErrInvalidRequestType, in.RequestType)
	}
	for _, key := range reservedMetadataKeys {
		if _, ok := in.Metadata[key]; ok {
			return CreatedRequest{}, fmt.Errorf("%w: %q is reserved", ErrInvalidMetadata, key)
		}
	}

	token, hash, err := newVerificationToken()
	if err != nil {
		return CreatedRequest{}, err
	}
	req, err := s.store.CreateRequest(ctx, Request{
		SubjectID:             in.SubjectID,
		RequestType:           in.RequestType,
		Status:                StatusPending,
		VerificationTokenHash: hash,
		RequestedAt:           s.now(),
		Metadata:              cloneMetadata(in.Metadata),
	})
	if err != nil {
		return CreatedRequest{}, err
	}

	s.metrics.RequestCreated(string(req.RequestType))
	s.recordAudit(ctx, req.SubjectID, ActionRequestCreated, map[string]any{
		"requestId":   req.ID,
		"requestType": req.RequestType,
	})
	s.notify(ctx, req.SubjectID, "Confirm your privacy request", s.verificationMessage(req, token))

	return CreatedRequest{RequestID: req.ID, VerificationToken: token, Status: req.Status}, nil
}

// Verify consumes a token and hands the request to the processor. The
// pending-to-processing transition is a single conditional update, so a
// token can succeed at most once.
func (s *Service) Verify(ctx context.Context, token string) (VerifyResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return VerifyResult{}, ErrTokenInvalidOrExpired
	}
	now := s.now()
	req, err := s.store.VerifyRequest(ctx, HashToken(token), now, now.Add(-s.opts.VerificationWindow))
	if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrRequestNotFound) {
		return VerifyResult{}, ErrTokenInvalidOrExpired
	}
	if err != nil {
		return VerifyResult{}, err
	}

	// The request is processing from here on and must reach a terminal state
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	s.metrics.RequestTransition(string(req.RequestType), string(StatusProcessing))
	s.recordAudit(ctx, req.SubjectID, ActionRequestVerified, map[string]any{"requestId": req.ID})

	processed, procErr := s.Process(ctx, req)
	if procErr != nil {
		slog.Warn("privacy request processing failed", "requestId", req.ID, "type", req.RequestType, "err", procErr)
	}
	return VerifyResult{
		RequestID:   processed.ID,
		Status:      processed.Status,
		FailureCode: ErrorCode(procErr),
	}, nil
}

// GetRequest returns the request only to its subject; anyone else gets
// ErrRequestNotFound.
func (s *Service) GetRequest(ctx context.Context, requestID, subjectID string) (Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.SubjectID != subjectID {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context, subjectID string, limit, offset int) ([]Request, int, error) {
	return s.store.ListRequests(ctx, subjectID, limit, offset)
}

func (s *Service) verificationMessage(req Request, token string) string {
	link := token
	if s.opts.PublicBaseURL != "" {
		link = strings.TrimRight(s.opts.PublicBaseURL, "/") + "/privacy/verify?token=" + url.QueryEscape(token)
	}
	return fmt.Sprintf(
		"We received a %s request for your account.\n\nConfirm it within %s using:\n%s\n\nIf you did not ask for this, ignore this message.",
		humanType(req.RequestType), s.opts.VerificationWindow, link,
	)
}

// notify is best-effort: a missing address or transport error is logged and
// never changes the outcome of the request.
func (s *Service) notify(ctx context.Context, subjectID, subject, body string) {
	if s.mailer == nil {
		return
	}
	contact, err := s.store.SubjectContact(ctx, subjectID)
	if err != nil {
		slog.Warn("notification lookup failed", "subjectId", subjectID, "err", err)
		return
	}
	if contact.Email == "" {
		return
	}
	if err := s.mailer.Send(ctx, s.opts.MailFrom, contact.Email, subject, body); err != nil {
		slog.Warn("notification send failed", "subjectId", subjectID, "err", err)
	}
}
