package gdpr

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

func (s *Service) Policies() []RetentionPolicy {
	return s.registry.All()
}

// SweepBudget is the longest a sweep can run: every policy uses its full
// timeout, in batches of SweepConcurrency.
func (s *Service) SweepBudget() time.Duration {
	n := s.registry.Len()
	c := s.opts.SweepConcurrency
	batches := (n + c - 1) / c
	return time.Duration(batches) * s.opts.PolicyTimeout
}

// RunSweep executes every registered policy. Each policy has its own time
// budget and failure boundary, so one failing or stalled policy never stops
// the others. The report covers the whole registry.
func (s *Service) RunSweep(ctx context.Context) SweepReport {
	started := s.now()
	policies := s.registry.All()
	results := make([]PolicyResult, len(policies))

	var g errgroup.Group
	g.SetLimit(s.opts.SweepConcurrency)
	for i, policy := range policies {
		i, policy := i, policy
		g.Go(func() error {
			results[i] = s.runPolicy(ctx, policy, started)
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		StartedAt:        started,
		PoliciesExecuted: len(results),
		Results:          results,
	}
	for _, r := range results {
		report.TotalCleaned += r.CleanedCount
		if r.Status == PolicyStatusFailed {
			report.ErrorCount++
		}
	}
	report.CompletedAt = s.now()

	s.metrics.SweepCompleted(report.CompletedAt.Sub(started))
	s.recordAudit(context.WithoutCancel(ctx), "", ActionRetentionSweep, map[string]any{
		"policiesExecuted": report.PoliciesExecuted,
		"totalCleaned":     report.TotalCleaned,
		"errorCount":       report.ErrorCount,
		"results":          report.Results,
	})
	s.log.Info("retention sweep completed",
		"policies", report.PoliciesExecuted, "cleaned", report.TotalCleaned, "errors", report.ErrorCount)
	return report
}

// RunPolicy executes a single named policy on demand.
func (s *Service) RunPolicy(ctx context.Context, name string) (PolicyResult, error) {
	policy, ok := s.registry.Lookup(name)
	if !ok {
		return PolicyResult{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	result := s.runPolicy(ctx, policy, s.now())
	s.recordAudit(context.WithoutCancel(ctx), "", ActionRetentionPolicyRun, result)
	if result.Status == PolicyStatusFailed {
		return result, fmt.Errorf("%w: %s: %s", ErrPolicyExecutionFailed, name, result.Error)
	}
	return result, nil
}

type cleanupOutcome struct {
	cleaned int64
	err     error
}

func (s *Service) runPolicy(ctx context.Context, policy RetentionPolicy, now time.Time) PolicyResult {
	cutoff := policy.Cutoff(now)
	result := PolicyResult{
		Policy:   policy.Name,
		Category: policy.Category,
		Cutoff:   cutoff,
		Status:   PolicyStatusCompleted,
	}
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, s.opts.PolicyTimeout)
	defer cancel()

	done := make(chan cleanupOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- cleanupOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		n, err := policy.Cleanup(pctx, cutoff)
		done <- cleanupOutcome{cleaned: n, err: err}
	}()

	var outcome cleanupOutcome
	select {
	case outcome = <-done:
	case <-pctx.Done():
		outcome = cleanupOutcome{err: pctx.Err()}
	}

	result.CleanedCount = outcome.cleaned
	result.DurationMs = time.Since(start).Milliseconds()
	if outcome.err != nil {
		result.Status = PolicyStatusFailed
		result.Error = outcome.err.Error()
		s.log.Warn("retention policy failed", "policy", policy.Name, "err", outcome.err)
	}
	s.metrics.PolicyRun(policy.Name, result.CleanedCount, outcome.err != nil)
	return result
}
