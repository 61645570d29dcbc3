package gdpr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	dueOutcomeCompleted = "completed"
	dueOutcomeSkipped   = "skipped"
	dueOutcomeFailed    = "failed"
)

// scheduleDeletion starts the grace period. With no grace period the subject
// is anonymized inline through the same claim path as due deletions.
func (s *Service) scheduleDeletion(ctx context.Context, req Request) (Request, error) {
	grace := gracePeriodFor(req.Metadata, s.opts.GracePeriod)
	at := s.now().Add(grace)
	scheduled, err := s.store.ScheduleDeletion(ctx, req.ID, at)
	if err != nil {
		return req, err
	}
	s.recordAudit(ctx, req.SubjectID, ActionDeletionScheduled, map[string]any{
		"requestId":    req.ID,
		"scheduledFor": at.Format(time.RFC3339),
		"graceDays":    int(grace / (24 * time.Hour)),
	})
	if grace == 0 {
		return s.executeDeletion(ctx, scheduled)
	}
	s.notify(ctx, req.SubjectID, "Your account deletion is scheduled", fmt.Sprintf(
		"Your account and personal data will be anonymized on %s.\nYou can cancel the deletion any time before then.",
		at.Format("2006-01-02 15:04 MST"),
	))
	return scheduled, nil
}

// CancelDeletion stops a scheduled deletion while its grace period runs.
func (s *Service) CancelDeletion(ctx context.Context, requestID, subjectID, reason string) (Request, error) {
	req, err := s.GetRequest(ctx, requestID, subjectID)
	if err != nil {
		return Request{}, err
	}
	now := s.now()
	notes := map[string]any{
		NoteCancellation: map[string]any{
			"reason":      reason,
			"cancelledAt": now.Format(time.RFC3339),
		},
	}
	cancelled, err := s.store.CancelDeletion(ctx, requestID, now, notes)
	if errors.Is(err, ErrStateConflict) {
		if current, getErr := s.store.GetRequest(ctx, requestID); getErr == nil {
			req = current
		}
		return req, cancelRejection(req, now)
	}
	if err != nil {
		return req, err
	}

	s.metrics.RequestTransition(string(cancelled.RequestType), string(StatusCancelled))
	s.recordAudit(ctx, cancelled.SubjectID, ActionDeletionCancelled, map[string]any{
		"requestId": cancelled.ID,
		"reason":    reason,
	})
	s.notify(ctx, cancelled.SubjectID, "Your account deletion was cancelled",
		"Your scheduled account deletion has been cancelled. Your account remains active.")
	return cancelled, nil
}

// cancelRejection explains why a cancellation matched no row.
func cancelRejection(req Request, now time.Time) error {
	if req.RequestType != RequestDeletion {
		return ErrNotCancellable
	}
	switch req.Status {
	case StatusProcessing:
		if req.DeletionScheduledFor != nil && !now.Before(*req.DeletionScheduledFor) {
			return ErrGracePeriodExpired
		}
	case StatusCompleted:
		return ErrGracePeriodExpired
	}
	return ErrNotCancellable
}

// RunDueDeletions anonymizes every subject whose grace period has passed.
// Items are independent: a failure marks that request failed and the run
// continues. Requests claimed or cancelled by someone else are skipped.
func (s *Service) RunDueDeletions(ctx context.Context) (DueDeletionReport, error) {
	var report DueDeletionReport
	seen := map[string]bool{}
	batch := s.opts.DueDeletionBatch

	var runErr error
	for runErr == nil {
		due, err := s.store.DueDeletions(ctx, s.now(), batch)
		if err != nil {
			runErr = err
			break
		}
		fresh := 0
		for _, req := range due {
			if seen[req.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			seen[req.ID] = true
			fresh++
			report.Selected++

			_, err := s.executeDeletion(ctx, req)
			switch {
			case err == nil:
				report.Completed++
				s.metrics.DueDeletion(dueOutcomeCompleted)
			case errors.Is(err, ErrStateConflict):
				report.Skipped++
				s.metrics.DueDeletion(dueOutcomeSkipped)
			default:
				report.Failed++
				s.metrics.DueDeletion(dueOutcomeFailed)
				report.Failures = append(report.Failures, DeletionFailure{
					RequestID: req.ID,
					Code:      ErrorCode(err),
					Error:     err.Error(),
				})
			}
		}
		if len(due) < batch || fresh == 0 {
			break
		}
	}

	s.recordAudit(context.WithoutCancel(ctx), "", ActionDueDeletionRun, report)
	s.log.Info("due deletions processed",
		"selected", report.Selected, "completed", report.Completed,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, runErr
}

// executeDeletion claims a due deletion and anonymizes its subject in one
// transaction. The transaction ignores caller cancellation so it is never
// abandoned halfway; on failure everything rolls back and the request is
// marked failed. A lost claim returns ErrStateConflict.
func (s *Service) executeDeletion(ctx context.Context, req Request) (Request, error) {
	txCtx := context.WithoutCancel(ctx)
	now := s.now()

	var claimed Request
	var scrubbed bool
	err := s.store.InTx(txCtx, func(tx TxStore) error {
		var err error
		claimed, err = tx.ClaimDeletion(txCtx, req.ID, now)
		if err != nil {
			return err
		}
		scrubbed, err = s.anonymize(txCtx, tx, claimed)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAnonymizationFailed, err)
		}
		return tx.RecordAudit(txCtx, claimed.SubjectID, ActionRequestCompleted, map[string]any{
			"requestId":   claimed.ID,
			"requestType": claimed.RequestType,
			"scrubbed":    scrubbed,
		})
	})
	if errors.Is(err, ErrStateConflict) {
		return req, err
	}
	if err != nil {
		if !errors.Is(err, ErrAnonymizationFailed) {
			err = fmt.Errorf("%w: %w", ErrAnonymizationFailed, err)
		}
		s.log.Error("anonymization failed", "requestId", req.ID, "err", err)
		return s.failRequest(txCtx, req, err), err
	}

	s.metrics.RequestTransition(string(claimed.RequestType), string(StatusCompleted))
	s.log.Info("subject anonymized", "requestId", claimed.ID, "scrubbed", scrubbed)
	return claimed, nil
}
