package gdpr

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

type memSubject struct {
	Email               string
	DisplayName         string
	Phone               string
	Locale              string
	Timezone            string
	Status              string
	PasswordHash        string
	Restricted          bool
	Sessions            int
	APITokens           int
	PasswordResets      int
	CalendarConnections int
	PaymentCustomerID   string
	SMSNumber           string
}

type memBooking struct {
	OwnerID    string
	GuestName  string
	GuestEmail string
	GuestPhone string
	Notes      string
}

type memAudit struct {
	SubjectID string
	Action    string
	Metadata  any
}

type memState struct {
	requests map[string]Request
	subjects map[string]memSubject
	consents map[string][]Consent
	bookings []memBooking
	audit    []memAudit
}

func (s memState) clone() memState {
	out := memState{
		requests: maps.Clone(s.requests),
		subjects: maps.Clone(s.subjects),
		consents: make(map[string][]Consent, len(s.consents)),
		bookings: slices.Clone(s.bookings),
		audit:    slices.Clone(s.audit),
	}
	for k, v := range s.consents {
		out.consents[k] = slices.Clone(v)
	}
	return out
}

// memStore is an in-memory StoreAPI. Transactions hold the lock for their
// whole duration and restore a snapshot on error.
type memStore struct {
	mu    sync.Mutex
	state memState
	seq   int

	failStep   string
	collectErr error
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		requests: map[string]Request{},
		subjects: map[string]memSubject{},
		consents: map[string][]Consent{},
	}}
}

func (m *memStore) addSubject(id string, subject memSubject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.subjects[id] = subject
}

func (m *memStore) addConsent(subjectID string, c Consent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.consents[subjectID] = append(m.state.consents[subjectID], c)
}

func (m *memStore) addBooking(b memBooking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.bookings = append(m.state.bookings, b)
}

func (m *memStore) subject(id string) memSubject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.subjects[id]
}

func (m *memStore) consentsFor(id string) []Consent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.consents[id])
}

func (m *memStore) bookingsFor(owner string) []memBooking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memBooking
	for _, b := range m.state.bookings {
		if b.OwnerID == owner {
			out = append(out, b)
		}
	}
	return out
}

func (m *memStore) auditCount(subjectID, action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.state.audit {
		if a.SubjectID == subjectID && a.Action == action {
			n++
		}
	}
	return n
}

func (m *memStore) allRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.state.requests))
	for _, r := range m.state.requests {
		out = append(out, r)
	}
	return out
}

// Record implements AuditSink.
func (m *memStore) Record(_ context.Context, subjectID, action string, metadata any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.audit = append(m.state.audit, memAudit{SubjectID: subjectID, Action: action, Metadata: metadata})
	return nil
}

func (m *memStore) CreateRequest(_ context.Context, req Request) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	req.ID = fmt.Sprintf("req-%03d", m.seq)
	req.Status = StatusPending
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	m.state.requests[req.ID] = req
	return req, nil
}

func (m *memStore) GetRequest(_ context.Context, requestID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.state.requests[requestID]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (m *memStore) ListRequests(_ context.Context, subjectID string, limit, offset int) ([]Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Request
	for _, r := range m.state.requests {
		if r.SubjectID == subjectID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *memStore) transition(id string, guard func(Request) bool, apply func(*Request)) (Request, error) {
	req, ok := m.state.requests[id]
	if !ok || !guard(req) {
		return Request{}, ErrStateConflict
	}
	apply(&req)
	m.state.requests[id] = req
	return req, nil
}

func (m *memStore) VerifyRequest(_ context.Context, tokenHash string, now, requestedAfter time.Time) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.state.requests {
		if r.VerificationTokenHash != tokenHash || tokenHash == "" {
			continue
		}
		req, err := m.transition(id, func(r Request) bool {
			return r.Status == StatusPending && !r.RequestedAt.Before(requestedAfter)
		}, func(r *Request) {
			r.Status = StatusProcessing
			r.VerifiedAt = ptr(now)
			r.VerificationTokenHash = ""
		})
		if errors.Is(err, ErrStateConflict) {
			return Request{}, ErrTokenInvalidOrExpired
		}
		return req, err
	}
	return Request{}, ErrTokenInvalidOrExpired
}

func (m *memStore) ScheduleDeletion(_ context.Context, requestID string, at time.Time) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing && r.RequestType == RequestDeletion && r.DeletionScheduledFor == nil
	}, func(r *Request) {
		r.DeletionScheduledFor = ptr(at)
	})
}

func (m *memStore) CompleteRequest(_ context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing && r.RequestType != RequestDeletion
	}, func(r *Request) {
		r.Status = StatusCompleted
		r.CompletedAt = ptr(now)
		r.Metadata = mergeNotes(r.Metadata, notes)
	})
}

func (m *memStore) CompleteExport(_ context.Context, requestID string, now time.Time, ref string, expiresAt time.Time, notes map[string]any) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing && (r.RequestType == RequestExport || r.RequestType == RequestPortability)
	}, func(r *Request) {
		r.Status = StatusCompleted
		r.CompletedAt = ptr(now)
		r.ExportArtifactRef = ref
		r.ArtifactExpiresAt = ptr(expiresAt)
		r.Metadata = mergeNotes(r.Metadata, notes)
	})
}

func (m *memStore) FailRequest(_ context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing
	}, func(r *Request) {
		r.Status = StatusFailed
		r.CompletedAt = ptr(now)
		r.DeletionScheduledFor = nil
		r.Metadata = mergeNotes(r.Metadata, notes)
	})
}

func (m *memStore) CancelDeletion(_ context.Context, requestID string, now time.Time, notes map[string]any) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing && r.RequestType == RequestDeletion &&
			r.DeletionScheduledFor != nil && r.DeletionScheduledFor.After(now)
	}, func(r *Request) {
		r.Status = StatusCancelled
		r.CompletedAt = ptr(now)
		r.DeletionScheduledFor = nil
		r.Metadata = mergeNotes(r.Metadata, notes)
	})
}

func (m *memStore) DueDeletions(_ context.Context, now time.Time, limit int) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.state.requests {
		if r.Status == StatusProcessing && r.RequestType == RequestDeletion &&
			r.DeletionScheduledFor != nil && !r.DeletionScheduledFor.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SubjectContact(_ context.Context, subjectID string) (SubjectContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.subjects[subjectID]
	if !ok {
		return SubjectContact{}, ErrSubjectNotFound
	}
	return SubjectContact{Email: s.Email, Active: s.Status == "active"}, nil
}

func (m *memStore) CollectSubjectData(_ context.Context, subjectID string) (SubjectData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collectErr != nil {
		return SubjectData{}, m.collectErr
	}
	s, ok := m.state.subjects[subjectID]
	if !ok {
		return SubjectData{}, ErrSubjectNotFound
	}
	data := SubjectData{
		Profile: map[string]any{
			"id":           subjectID,
			"email":        s.Email,
			"display_name": s.DisplayName,
			"phone":        s.Phone,
			"locale":       s.Locale,
			"timezone":     s.Timezone,
			"status":       s.Status,
		},
		Invoices: []map[string]any{
			{"id": "inv-1", "amount_cents": float64(2500), "currency": "EUR"},
			{"id": "inv-2", "amount_cents": float64(1000), "currency": "EUR"},
		},
		Notifications: []map[string]any{{"id": "n-1", "channel": "email"}},
	}
	for _, b := range m.state.bookings {
		if b.OwnerID == subjectID {
			data.Bookings = append(data.Bookings, map[string]any{
				"guest_name":  b.GuestName,
				"guest_email": b.GuestEmail,
				"notes":       b.Notes,
			})
		}
	}
	for _, c := range m.state.consents[subjectID] {
		data.Consents = append(data.Consents, map[string]any{"consent_type": c.ConsentType, "required": c.Required})
	}
	return data, nil
}

func (m *memStore) ListConsents(_ context.Context, subjectID string) ([]Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.consents[subjectID]), nil
}

func (m *memStore) WithdrawConsents(_ context.Context, subjectID string, consentTypes []string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	list := m.state.consents[subjectID]
	for i, c := range list {
		if slices.Contains(consentTypes, c.ConsentType) && !c.Required && c.WithdrawnAt == nil {
			list[i].WithdrawnAt = ptr(now)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RectifySubject(_ context.Context, subjectID string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.subjects[subjectID]
	if !ok {
		return ErrSubjectNotFound
	}
	for k, v := range fields {
		switch k {
		case "display_name":
			s.DisplayName = v
		case "phone":
			s.Phone = v
		case "locale":
			s.Locale = v
		case "timezone":
			s.Timezone = v
		}
	}
	m.state.subjects[subjectID] = s
	return nil
}

func (m *memStore) SetProcessingRestriction(_ context.Context, subjectID string, restricted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.subjects[subjectID]
	if !ok {
		return ErrSubjectNotFound
	}
	s.Restricted = restricted
	m.state.subjects[subjectID] = s
	return nil
}

func (m *memStore) InTx(_ context.Context, fn func(tx TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// memTx runs with memStore.mu already held.
type memTx struct {
	m *memStore
}

var errInjected = errors.New("injected failure")

func (t *memTx) fail(step string) error {
	if t.m.failStep == step {
		return fmt.Errorf("%s: %w", step, errInjected)
	}
	return nil
}

func (t *memTx) ClaimDeletion(_ context.Context, requestID string, now time.Time) (Request, error) {
	return t.m.transition(requestID, func(r Request) bool {
		return r.Status == StatusProcessing && r.RequestType == RequestDeletion &&
			r.DeletionScheduledFor != nil && !r.DeletionScheduledFor.After(now)
	}, func(r *Request) {
		r.Status = StatusCompleted
		r.CompletedAt = ptr(now)
		r.DeletionScheduledFor = nil
	})
}

func (t *memTx) SubjectAnonymized(_ context.Context, subjectID string) (bool, error) {
	for _, a := range t.m.state.audit {
		if a.SubjectID == subjectID && a.Action == ActionSubjectAnonymized {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) updateSubject(id string, fn func(*memSubject)) error {
	s, ok := t.m.state.subjects[id]
	if !ok {
		return ErrSubjectNotFound
	}
	fn(&s)
	t.m.state.subjects[id] = s
	return nil
}

func (t *memTx) AnonymizeProfile(_ context.Context, subjectID string, p Placeholder) error {
	if err := t.fail("AnonymizeProfile"); err != nil {
		return err
	}
	return t.updateSubject(subjectID, func(s *memSubject) {
		s.Email, s.DisplayName, s.Phone, s.Status = p.Email, p.DisplayName, p.Phone, "anonymized"
	})
}

func (t *memTx) InvalidateCredentials(_ context.Context, subjectID, passwordHash string) error {
	if err := t.fail("InvalidateCredentials"); err != nil {
		return err
	}
	return t.updateSubject(subjectID, func(s *memSubject) {
		s.PasswordHash = passwordHash
		s.Sessions, s.APITokens, s.PasswordResets = 0, 0, 0
	})
}

func (t *memTx) SeverIntegrations(_ context.Context, subjectID string) error {
	if err := t.fail("SeverIntegrations"); err != nil {
		return err
	}
	return t.updateSubject(subjectID, func(s *memSubject) {
		s.CalendarConnections = 0
		s.PaymentCustomerID, s.SMSNumber = "", ""
	})
}

func (t *memTx) ScrubBookings(_ context.Context, subjectID string, p Placeholder) error {
	if err := t.fail("ScrubBookings"); err != nil {
		return err
	}
	bookings := slices.Clone(t.m.state.bookings)
	for i, b := range bookings {
		if b.OwnerID == subjectID {
			bookings[i] = memBooking{OwnerID: subjectID, GuestName: p.GuestName}
		}
	}
	t.m.state.bookings = bookings
	return nil
}

func (t *memTx) ScrubCommunications(_ context.Context, _ string, _ Placeholder) error {
	return t.fail("ScrubCommunications")
}

func (t *memTx) RecordAudit(_ context.Context, subjectID, action string, metadata any) error {
	t.m.state.audit = append(t.m.state.audit, memAudit{SubjectID: subjectID, Action: action, Metadata: metadata})
	return nil
}

func mergeNotes(metadata, notes map[string]any) map[string]any {
	out := maps.Clone(metadata)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, notes)
	return out
}

func ptr[T any](v T) *T {
	return &v
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	url     string
	putErr  error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: map[string][]byte{}}
}

func (a *memArtifacts) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.putErr != nil {
		return "", a.putErr
	}
	a.objects[key] = slices.Clone(data)
	return key, nil
}

func (a *memArtifacts) Get(_ context.Context, ref string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[ref]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (a *memArtifacts) Delete(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, ref)
	return nil
}

func (a *memArtifacts) RetrievalURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	if a.url == "" {
		return "", nil
	}
	return a.url + "/" + ref, nil
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type memMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *memMailer) Send(_ context.Context, _, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *memMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}
	}
	return m.sent[len(m.sent)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
