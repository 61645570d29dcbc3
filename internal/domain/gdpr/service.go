package gdpr

import (
	"context"
	"log/slog"
	"time"

	"booking/internal/platform/metrics"
)

type Options struct {
	GracePeriod        time.Duration
	VerificationWindow time.Duration
	ArtifactTTL        time.Duration
	PolicyTimeout      time.Duration
	SweepConcurrency   int
	DueDeletionBatch   int
	MailFrom           string
	PublicBaseURL      string
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.VerificationWindow <= 0 {
		o.VerificationWindow = DefaultVerificationWindow
	}
	if o.ArtifactTTL <= 0 {
		o.ArtifactTTL = DefaultArtifactTTL
	}
	if o.PolicyTimeout <= 0 {
		o.PolicyTimeout = DefaultPolicyTimeout
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 1
	}
	if o.DueDeletionBatch <= 0 {
		o.DueDeletionBatch = DefaultDueDeletionBatch
	}
	return o
}

// Deps are the collaborators of the engine. Store, Audit and Registry are
// required; the rest may be nil.
type Deps struct {
	Store     StoreAPI
	Audit     AuditSink
	Registry  *Registry
	Artifacts ArtifactStore
	Crypto    Encrypter
	Mailer    Mailer
	Metrics   *metrics.Collector
	Now       func() time.Time
}

type Service struct {
	store     StoreAPI
	audit     AuditSink
	registry  *Registry
	artifacts ArtifactStore
	crypto    Encrypter
	mailer    Mailer
	metrics   *metrics.Collector
	now       func() time.Time
	opts      Options
	log       *slog.Logger
}

func NewService(deps Deps, opts Options) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     deps.Store,
		audit:     deps.Audit,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		crypto:    deps.Crypto,
		mailer:    deps.Mailer,
		metrics:   deps.Metrics,
		now:       func() time.Time { return now().UTC() },
		opts:      opts.withDefaults(),
		log:       slog.Default().With("component", "privacy"),
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) recordAudit(ctx context.Context, subjectID, action string, metadata any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, subjectID, action, metadata); err != nil {
		slog.Warn("audit record failed", "action", action, "err", err)
	}
}
