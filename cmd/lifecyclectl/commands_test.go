package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/internal/domain/gdpr"
	"booking/internal/platform/jobs"
)

type fakeOperator struct {
	policyErr error
	jobErr    error
	jobs      []string
	closed    bool
}

func (f *fakeOperator) Policies() []gdpr.RetentionPolicy {
	return []gdpr.RetentionPolicy{{Name: "expired_sessions", Category: gdpr.CategorySecurity, RetentionDays: 30}}
}

func (f *fakeOperator) RunPolicy(_ context.Context, name string) (gdpr.PolicyResult, error) {
	return gdpr.PolicyResult{Policy: name, Status: "completed", CleanedCount: 4}, f.policyErr
}

func (f *fakeOperator) RunNow(_ context.Context, jobType string) (any, error) {
	f.jobs = append(f.jobs, jobType)
	if jobType == jobs.JobDueDeletions {
		return gdpr.DueDeletionReport{Selected: 2, Completed: 2}, f.jobErr
	}
	return gdpr.SweepReport{PoliciesExecuted: 17}, f.jobErr
}

func run(t *testing.T, op *fakeOperator, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmdWith(func(context.Context) (operator, func(), error) {
		return op, func() { op.closed = true }, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPoliciesCommand(t *testing.T) {
	op := &fakeOperator{}
	out, err := run(t, op, "policies")
	require.NoError(t, err)

	var policies []gdpr.RetentionPolicy
	require.NoError(t, json.Unmarshal([]byte(out), &policies))
	require.Len(t, policies, 1)
	assert.Equal(t, "expired_sessions", policies[0].Name)
	assert.True(t, op.closed)
}

func TestRunPolicyCommand(t *testing.T) {
	op := &fakeOperator{}
	out, err := run(t, op, "run-policy", "old_bookings")
	require.NoError(t, err)

	var result gdpr.PolicyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "old_bookings", result.Policy)
	assert.EqualValues(t, 4, result.CleanedCount)

	_, err = run(t, op, "run-policy")
	assert.Error(t, err, "policy name is required")
}

func TestRunPolicyCommandPrintsResultOnFailure(t *testing.T) {
	op := &fakeOperator{policyErr: errors.New("cleanup failed")}
	out, err := run(t, op, "run-policy", "old_bookings")
	require.Error(t, err)
	assert.Contains(t, out, `"policy": "old_bookings"`)
}

func TestJobCommands(t *testing.T) {
	op := &fakeOperator{}
	out, err := run(t, op, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, `"policiesExecuted": 17`)

	_, err = run(t, op, "run-due-deletions")
	require.NoError(t, err)
	assert.Equal(t, []string{jobs.JobRetentionSweep, jobs.JobDueDeletions}, op.jobs)
}

func TestJobCommandWrapsFailure(t *testing.T) {
	op := &fakeOperator{jobErr: errors.New("1 of 17 retention policies failed")}
	_, err := run(t, op, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), jobs.JobRetentionSweep)
}

func TestOpenFailureSurfaces(t *testing.T) {
	cmd := newRootCmdWith(func(context.Context) (operator, func(), error) {
		return nil, nil, errors.New("DATABASE_URL is required")
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"policies"})
	assert.Error(t, cmd.Execute())
}
