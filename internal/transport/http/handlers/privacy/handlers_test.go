package privacyhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"booking/internal/domain/auth"
	"booking/internal/domain/gdpr"
	"booking/internal/platform/jobs"
	"booking/internal/platform/lock"
	"booking/internal/transport/http/middleware"
)

const testSecret = "handler-secret"

type fakeService struct {
	created     gdpr.CreateRequestInput
	createErr   error
	verifyErr   error
	requests    map[string]gdpr.Request
	cancelErr   error
	cancelled   string
	artifact    gdpr.Artifact
	link        string
	downloadErr error
	policyErr   error
	sweeps      int
	dueFailures int
}

func newFakeService() *fakeService {
	return &fakeService{requests: map[string]gdpr.Request{
		"req-1": {ID: "req-1", SubjectID: "subject-1", RequestType: gdpr.RequestDeletion, Status: gdpr.StatusProcessing},
	}}
}

func (f *fakeService) CreateRequest(_ context.Context, in gdpr.CreateRequestInput) (gdpr.CreatedRequest, error) {
	f.created = in
	if f.createErr != nil {
		return gdpr.CreatedRequest{}, f.createErr
	}
	return gdpr.CreatedRequest{RequestID: "req-new", VerificationToken: "tok", Status: gdpr.StatusPending}, nil
}

func (f *fakeService) Verify(_ context.Context, token string) (gdpr.VerifyResult, error) {
	if f.verifyErr != nil || token != "good" {
		return gdpr.VerifyResult{}, gdpr.ErrTokenInvalidOrExpired
	}
	return gdpr.VerifyResult{RequestID: "req-1", Status: gdpr.StatusProcessing}, nil
}

func (f *fakeService) GetRequest(_ context.Context, requestID, subjectID string) (gdpr.Request, error) {
	req, ok := f.requests[requestID]
	if !ok || req.SubjectID != subjectID {
		return gdpr.Request{}, gdpr.ErrRequestNotFound
	}
	return req, nil
}

func (f *fakeService) ListRequests(_ context.Context, subjectID string, limit, offset int) ([]gdpr.Request, int, error) {
	var out []gdpr.Request
	for _, req := range f.requests {
		if req.SubjectID == subjectID {
			out = append(out, req)
		}
	}
	return out, len(out), nil
}

func (f *fakeService) CancelDeletion(_ context.Context, requestID, subjectID, reason string) (gdpr.Request, error) {
	if f.cancelErr != nil {
		return gdpr.Request{}, f.cancelErr
	}
	f.cancelled = reason
	return gdpr.Request{ID: requestID, Status: gdpr.StatusCancelled}, nil
}

func (f *fakeService) DownloadArtifact(context.Context, string, string) (gdpr.Artifact, string, error) {
	return f.artifact, f.link, f.downloadErr
}

func (f *fakeService) Policies() []gdpr.RetentionPolicy {
	return []gdpr.RetentionPolicy{{Name: "sms_messages", Category: gdpr.CategoryCommunication, RetentionDays: 90}}
}

func (f *fakeService) RunPolicy(_ context.Context, name string) (gdpr.PolicyResult, error) {
	if name != "sms_messages" {
		return gdpr.PolicyResult{}, fmt.Errorf("%w: %s", gdpr.ErrPolicyNotFound, name)
	}
	if f.policyErr != nil {
		return gdpr.PolicyResult{Policy: name, Status: gdpr.PolicyStatusFailed, Error: f.policyErr.Error()},
			fmt.Errorf("%w: %s", gdpr.ErrPolicyExecutionFailed, f.policyErr)
	}
	return gdpr.PolicyResult{Policy: name, Status: gdpr.PolicyStatusCompleted, CleanedCount: 12}, nil
}

func (f *fakeService) RunSweep(context.Context) gdpr.SweepReport {
	f.sweeps++
	return gdpr.SweepReport{PoliciesExecuted: 17, TotalCleaned: 40}
}

func (f *fakeService) RunDueDeletions(context.Context) (gdpr.DueDeletionReport, error) {
	return gdpr.DueDeletionReport{Selected: 2, Completed: 2 - f.dueFailures, Failed: f.dueFailures}, nil
}

func newRouter(svc *fakeService) http.Handler {
	return newRouterWithLocker(svc, lock.NewLocalLocker())
}

// newRouterWithLocker drives the batch routes through a real job service
// backed by the fake engine.
func newRouterWithLocker(svc *fakeService, locker lock.Locker) http.Handler {
	jobService := jobs.New(nil, svc, locker, nil, jobs.Config{})
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Auth(testSecret))
	r.Route("/api/v1", func(r chi.Router) {
		NewHandler(svc, jobService, auth.StaticPermissions{}, nil).RegisterRoutes(r)
	})
	return r
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, auth.Claims{UserID: userID, RoleName: role}, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return "Bearer " + token
}

type apiError struct {
	Code string `json:"code"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, authz string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func TestCreateRequest(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc)

	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/requests", bearer(t, "subject-1", auth.RoleCustomer),
		map[string]any{"requestType": "export", "metadata": map[string]any{"format": "pdf"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created gdpr.CreatedRequest
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RequestID != "req-new" || created.VerificationToken == "" || created.Status != gdpr.StatusPending {
		t.Fatalf("unexpected response %+v", created)
	}
	if svc.created.SubjectID != "subject-1" || svc.created.Metadata["format"] != "pdf" {
		t.Fatalf("subject must come from the token: %+v", svc.created)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	h := newRouter(newFakeService())
	token := bearer(t, "subject-1", auth.RoleCustomer)

	tests := []struct {
		name     string
		authz    string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "anonymous", body: map[string]any{"requestType": "export"}, wantCode: http.StatusUnauthorized, wantErr: "unauthorized"},
		{name: "missing type", authz: token, body: map[string]any{}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "unknown type", authz: token, body: map[string]any{"requestType": "erase_everything"}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "bad json", authz: token, body: "not an object", wantCode: http.StatusBadRequest, wantErr: "invalid_payload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/requests", tc.authz, tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
			if env.Error == nil || env.Error.Code != tc.wantErr {
				t.Fatalf("expected error code %s, got %s", tc.wantErr, rec.Body.String())
			}
		})
	}
}

func TestVerifyIsAnonymousAndMapsFailures(t *testing.T) {
	h := newRouter(newFakeService())

	rec, _ := do(t, h, http.MethodPost, "/api/v1/privacy/requests/verify", "", map[string]string{"token": "good"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/requests/verify", "", map[string]string{"token": "reused"})
	if rec.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "token_invalid_or_expired" {
		t.Fatalf("expected token_invalid_or_expired, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetRequestOwnerOnly(t *testing.T) {
	h := newRouter(newFakeService())

	rec, _ := do(t, h, http.MethodGet, "/api/v1/privacy/requests/req-1", bearer(t, "subject-1", auth.RoleCustomer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected owner to read request, got %d", rec.Code)
	}
	rec, env := do(t, h, http.MethodGet, "/api/v1/privacy/requests/req-1", bearer(t, "subject-2", auth.RoleCustomer), nil)
	if rec.Code != http.StatusNotFound || env.Error == nil || env.Error.Code != "not_found" {
		t.Fatalf("expected 404 for other subject, got %d", rec.Code)
	}
}

func TestListRequestsSetsTotal(t *testing.T) {
	h := newRouter(newFakeService())
	rec, env := do(t, h, http.MethodGet, "/api/v1/privacy/requests?limit=5", bearer(t, "subject-1", auth.RoleCustomer), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Total-Count") != "1" {
		t.Fatalf("expected total 1, got %q", rec.Header().Get("X-Total-Count"))
	}
	var list []gdpr.Request
	if err := json.Unmarshal(env.Data, &list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %s: %v", env.Data, err)
	}
}

func TestCancelDeletion(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc)
	token := bearer(t, "subject-1", auth.RoleCustomer)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/privacy/requests/req-1/cancel", token, map[string]string{"reason": " changed my mind "})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.cancelled != "changed my mind" {
		t.Fatalf("expected trimmed reason, got %q", svc.cancelled)
	}

	tests := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{gdpr.ErrGracePeriodExpired, http.StatusConflict, "grace_period_expired"},
		{gdpr.ErrNotCancellable, http.StatusConflict, "not_cancellable"},
		{gdpr.ErrRequestNotFound, http.StatusNotFound, "not_found"},
	}
	for _, tc := range tests {
		svc.cancelErr = tc.err
		rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/requests/req-1/cancel", token, nil)
		if rec.Code != tc.wantCode || env.Error == nil || env.Error.Code != tc.wantErr {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.wantCode, tc.wantErr, rec.Code, rec.Body.String())
		}
	}
}

func TestDownloadArtifact(t *testing.T) {
	svc := newFakeService()
	svc.artifact = gdpr.Artifact{Data: []byte(`{"subjectId":"subject-1"}`), ContentType: "application/json", FileName: "req-1.json"}
	h := newRouter(svc)
	token := bearer(t, "subject-1", auth.RoleCustomer)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/privacy/requests/req-1/artifact", token, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"subjectId":"subject-1"}` {
		t.Fatalf("unexpected download %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Disposition") != `attachment; filename="req-1.json"` {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}

	svc.link = "https://bucket.example.com/signed"
	rec, _ = do(t, h, http.MethodGet, "/api/v1/privacy/requests/req-1/artifact", token, nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != svc.link {
		t.Fatalf("expected redirect to signed link, got %d", rec.Code)
	}

	svc.link = ""
	svc.downloadErr = gdpr.ErrArtifactExpired
	rec, _ = do(t, h, http.MethodGet, "/api/v1/privacy/requests/req-1/artifact", token, nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for expired artifact, got %d", rec.Code)
	}
}

func TestRetentionRoutesRequirePermission(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc)

	rec, _ := do(t, h, http.MethodPost, "/api/v1/privacy/retention/run", bearer(t, "subject-1", auth.RoleCustomer), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d", rec.Code)
	}
	if svc.sweeps != 0 {
		t.Fatal("sweep must not run without permission")
	}

	officer := bearer(t, "officer-1", auth.RoleComplianceOfficer)
	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/retention/run", officer, nil)
	if rec.Code != http.StatusOK || svc.sweeps != 1 {
		t.Fatalf("expected sweep to run, got %d", rec.Code)
	}
	var report gdpr.SweepReport
	if err := json.Unmarshal(env.Data, &report); err != nil || report.PoliciesExecuted != 17 {
		t.Fatalf("unexpected report %s", env.Data)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/v1/privacy/retention/policies", officer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected policy list, got %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodPost, "/api/v1/privacy/deletions/run-due", officer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected due run, got %d", rec.Code)
	}
}

func TestManualJobsShareSchedulerLock(t *testing.T) {
	svc := newFakeService()
	locker := lock.NewLocalLocker()
	h := newRouterWithLocker(svc, locker)
	officer := bearer(t, "officer-1", auth.RoleComplianceOfficer)

	release, err := locker.Acquire(context.Background(), jobs.JobRetentionSweep, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/retention/run", officer, nil)
	if rec.Code != http.StatusConflict || env.Error == nil || env.Error.Code != "job_running" {
		t.Fatalf("expected 409 job_running, got %d %s", rec.Code, rec.Body.String())
	}
	if svc.sweeps != 0 {
		t.Fatal("sweep must not run while the lock is held")
	}

	// The due-deletion job has its own lock.
	rec, _ = do(t, h, http.MethodPost, "/api/v1/privacy/deletions/run-due", officer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected due run while sweep lock is held, got %d", rec.Code)
	}

	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec, _ = do(t, h, http.MethodPost, "/api/v1/privacy/retention/run", officer, nil)
	if rec.Code != http.StatusOK || svc.sweeps != 1 {
		t.Fatalf("expected sweep after release, got %d", rec.Code)
	}
}

func TestManualJobFailureReturnsReport(t *testing.T) {
	svc := newFakeService()
	svc.dueFailures = 1
	h := newRouter(svc)

	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/deletions/run-due", bearer(t, "officer-1", auth.RoleComplianceOfficer), nil)
	if rec.Code != http.StatusInternalServerError || env.Error == nil || env.Error.Code != "job_failed" {
		t.Fatalf("expected 500 job_failed, got %d %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"failed":1`)) {
		t.Fatalf("expected report in details: %s", rec.Body.String())
	}
}

func TestRunPolicy(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc)
	officer := bearer(t, "officer-1", auth.RoleComplianceOfficer)

	rec, env := do(t, h, http.MethodPost, "/api/v1/privacy/retention/policies/sms_messages/run", officer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result gdpr.PolicyResult
	if err := json.Unmarshal(env.Data, &result); err != nil || result.CleanedCount != 12 {
		t.Fatalf("unexpected result %s", env.Data)
	}

	rec, env = do(t, h, http.MethodPost, "/api/v1/privacy/retention/policies/unknown/run", officer, nil)
	if rec.Code != http.StatusNotFound || env.Error == nil || env.Error.Code != "policy_not_found" {
		t.Fatalf("expected 404 policy_not_found, got %d %s", rec.Code, rec.Body.String())
	}

	svc.policyErr = fmt.Errorf("relation sms_messages does not exist")
	rec, env = do(t, h, http.MethodPost, "/api/v1/privacy/retention/policies/sms_messages/run", officer, nil)
	if rec.Code != http.StatusInternalServerError || env.Error == nil || env.Error.Code != "policy_execution_failed" {
		t.Fatalf("expected 500 policy_execution_failed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{gdpr.ErrInvalidRequestType, http.StatusBadRequest},
		{fmt.Errorf("%w: \"outcome\" is reserved", gdpr.ErrInvalidMetadata), http.StatusBadRequest},
		{gdpr.ErrSubjectNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", gdpr.ErrTokenInvalidOrExpired), http.StatusBadRequest},
		{gdpr.ErrConsentRequired, http.StatusConflict},
		{gdpr.ErrStateConflict, http.StatusConflict},
		{gdpr.ErrArtifactUnavailable, http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
