// Package detector runs booking events and analysis requests through the
// scoring pipeline: enrichment, feature extraction, aggregation, the profile
// store, the audit trail and the event bus.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/keelguard/internal/baseline"
	"github.com/opensource-finance/keelguard/internal/cache"
	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/features"
	"github.com/opensource-finance/keelguard/internal/observability"
)

var tracer = otel.Tracer("keelguard-detector")

const (
	statisticsKey = "keelguard:stats"
	statisticsTTL = 30 * time.Second

	// HighRiskScore and MediumRiskScore band a profile's risk score.
	HighRiskScore   = 75
	MediumRiskScore = 50

	statisticsWindow = 7 * 24 * time.Hour
	topFlagged       = 10

	userReasonLimit     = 20
	platformReasonLimit = 500
)

// Detection methods reported to operators.
const (
	MethodRuleBased    = "rule-based"
	MethodLearnedModel = "learned-model"
)

// Assessor produces a risk assessment for a feature vector.
type Assessor interface {
	Assess(ctx context.Context, fv *domain.FeatureVector) *domain.RiskAssessment
}

// Profiles is the slice of the profile store the detector uses.
type Profiles interface {
	Project(ctx context.Context, ev *domain.BookingEvent) (*domain.FraudProfile, error)
	RecordEvent(ctx context.Context, ev *domain.BookingEvent, a *domain.RiskAssessment) (*domain.FraudProfile, bool, error)
	Get(ctx context.Context, userID string) (*domain.FraudProfile, error)
	Seen(ctx context.Context, userID, eventID string) (bool, error)
	ListFlagged(ctx context.Context, threshold float64) ([]*domain.FraudProfile, error)
	List(ctx context.Context) ([]*domain.FraudProfile, error)
}

// Comparer compares a user with the baseline.
type Comparer interface {
	Compare(ctx context.Context, userID string) (*domain.BaselineComparison, error)
}

// HealthReporter exposes the learned-model circuit state.
type HealthReporter interface {
	State() domain.ServiceHealthState
}

// Enricher fills derived event fields.
type Enricher interface {
	Enrich(ev domain.BookingEvent) domain.BookingEvent
}

// Detector wires the scoring pipeline together.
type Detector struct {
	repo     domain.Repository
	profiles Profiles
	assessor Assessor

	bus        domain.EventBus
	comparer   Comparer
	cache      domain.Cache
	health     HealthReporter
	enricher   Enricher
	flagThresh float64

	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithBus publishes assessments, flags and owner alerts on bus.
func WithBus(b domain.EventBus) Option {
	return func(d *Detector) { d.bus = b }
}

// WithComparer enables baseline comparisons.
func WithComparer(c Comparer) Option {
	return func(d *Detector) { d.comparer = c }
}

// WithCache caches fraud statistics.
func WithCache(c domain.Cache) Option {
	return func(d *Detector) { d.cache = c }
}

// WithHealth reports the learned-model state in statistics.
func WithHealth(h HealthReporter) Option {
	return func(d *Detector) { d.health = h }
}

// WithEnricher enriches events before scoring.
func WithEnricher(e Enricher) Option {
	return func(d *Detector) { d.enricher = e }
}

// WithFlagThreshold sets the risk score counted as flagged in statistics.
func WithFlagThreshold(t float64) Option {
	return func(d *Detector) { d.flagThresh = t }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector.
func New(repo domain.Repository, profiles Profiles, assessor Assessor, opts ...Option) *Detector {
	d := &Detector{
		repo:       repo,
		profiles:   profiles,
		assessor:   assessor,
		flagThresh: MediumRiskScore,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IngestResult is the outcome of one processed event.
type IngestResult struct {
	Event      *domain.BookingEvent   `json:"event"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
	Profile    *domain.FraudProfile   `json:"profile"`
	Duplicate  bool                   `json:"duplicate"`
	OwnerAlert *OwnerAlert            `json:"ownerAlert,omitempty"`
}

// OwnerAlert tells a property owner a suspicious cancellation happened.
type OwnerAlert struct {
	UserID      string                     `json:"userId"`
	PropertyID  string                     `json:"propertyId,omitempty"`
	BookingID   string                     `json:"bookingId,omitempty"`
	EventID     string                     `json:"eventId"`
	Probability float64                    `json:"probability"`
	Tier        domain.RiskTier            `json:"tier"`
	ReasonScore float64                    `json:"reasonScore"`
	Indicators  []string                   `json:"indicators"`
	Comparison  *domain.BaselineComparison `json:"hotelComparison"`
	RaisedAt    time.Time                  `json:"raisedAt"`
}

// ProfileFlagged is published when a profile crosses into flagged.
type ProfileFlagged struct {
	UserID     string    `json:"userId"`
	RiskScore  float64   `json:"riskScore"`
	FlagReason string    `json:"flagReason"`
	FlaggedAt  time.Time `json:"flaggedAt"`
}

// ProcessEvent scores one booking event and commits it to the user's
// profile. An event id already logged or applied to the profile is reported
// as a duplicate and changes nothing.
func (d *Detector) ProcessEvent(ctx context.Context, in *domain.BookingEvent) (*IngestResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ev := *in
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	// future-dated events are logged at ingestion time
	if now := d.now().UTC(); ev.OccurredAt.IsZero() || ev.OccurredAt.After(now) {
		ev.OccurredAt = now
	}

	ctx, span := tracer.Start(ctx, "detector.ProcessEvent",
		trace.WithAttributes(
			attribute.String("user_id", ev.UserID),
			attribute.String("event_id", ev.ID),
			attribute.String("event_type", string(ev.Type)),
		),
	)
	defer span.End()

	seen, err := d.profiles.Seen(ctx, ev.UserID, ev.ID)
	if err != nil {
		return nil, err
	}
	if seen {
		return d.duplicate(ctx, &ev)
	}

	if d.enricher != nil {
		ev = d.enricher.Enrich(ev)
	}
	if ev.Type == domain.EventCancelled {
		d.fillFromBooking(ctx, &ev)
	}

	prior, err := d.profiles.Get(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}

	projected, err := d.profiles.Project(ctx, &ev)
	if err != nil {
		return nil, err
	}
	fv := features.Extract(&ev, projected)

	a := d.assessor.Assess(ctx, &fv)
	a.EventID = ev.ID
	a.BookingID = ev.BookingID

	// The event log is the dedup authority once an id leaves the profile's
	// recent window, and it serializes concurrent deliveries of one id.
	inserted, err := d.repo.SaveEvent(ctx, &ev)
	if err != nil {
		return nil, fmt.Errorf("failed to log booking event: %w", err)
	}
	if !inserted {
		return d.duplicate(ctx, &ev)
	}

	p, applied, err := d.profiles.RecordEvent(ctx, &ev, a)
	if err != nil {
		// let a retry of the same id through
		if derr := d.repo.DeleteEvent(ctx, ev.ID); derr != nil {
			d.logger.Warn("failed to roll back booking event", "event_id", ev.ID, "error", derr)
		}
		return nil, err
	}
	if !applied {
		return d.duplicate(ctx, &ev)
	}

	if err := d.repo.SaveAssessment(ctx, a); err != nil {
		d.logger.Warn("failed to save assessment", "user_id", a.UserID, "assessment_id", a.ID, "error", err)
	}

	d.publish(ctx, domain.TopicAssessment, ev.UserID, a)
	if p.IsFlagged && !prior.IsFlagged {
		d.publish(ctx, domain.TopicProfileFlagged, ev.UserID, ProfileFlagged{
			UserID:     p.UserID,
			RiskScore:  p.RiskScore,
			FlagReason: p.FlagReason,
			FlaggedAt:  p.UpdatedAt,
		})
	}

	res := &IngestResult{Event: &ev, Assessment: a, Profile: p}
	if ev.Type == domain.EventCancelled && (a.HighRisk || fv.ReasonScore >= features.SuspiciousReasonScore) {
		res.OwnerAlert = d.ownerAlert(ctx, &ev, a, &fv)
	}

	d.logger.Info("booking event processed",
		"user_id", ev.UserID,
		"event_id", ev.ID,
		"type", ev.Type,
		"probability", a.Probability,
		"tier", a.Tier,
		"source", a.Source,
		"risk_score", p.RiskScore,
	)
	return res, nil
}

func (d *Detector) duplicate(ctx context.Context, ev *domain.BookingEvent) (*IngestResult, error) {
	p, err := d.profiles.Get(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("duplicate booking event", "user_id", ev.UserID, "event_id", ev.ID)
	return &IngestResult{Event: ev, Profile: p, Duplicate: true}, nil
}

// fillFromBooking completes a cancellation from the booking it cancels.
func (d *Detector) fillFromBooking(ctx context.Context, ev *domain.BookingEvent) {
	if ev.BookingID == "" {
		return
	}
	booking, err := d.repo.GetLatestEventForBooking(ctx, ev.BookingID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("failed to look up booking", "booking_id", ev.BookingID, "error", err)
		}
		return
	}
	if booking.Type != domain.EventBooked || booking.UserID != ev.UserID {
		return
	}

	if ev.MinutesSinceBooking == 0 && !booking.OccurredAt.IsZero() {
		if mins := ev.OccurredAt.Sub(booking.OccurredAt).Minutes(); mins > 0 {
			ev.MinutesSinceBooking = mins
		}
	}
	if ev.PropertyID == "" {
		ev.PropertyID = booking.PropertyID
	}
	if ev.LeadTimeDays == 0 {
		ev.LeadTimeDays = booking.LeadTimeDays
	}
	if ev.StayNights == 0 {
		ev.StayNights = booking.StayNights
	}
	if ev.Adults == 0 && ev.Children == 0 {
		ev.Adults = booking.Adults
		ev.Children = booking.Children
	}
	if ev.Price.IsZero() {
		ev.Price = booking.Price
	}
}

// ownerAlert compares a suspicious canceller with the baseline and raises an
// alert unless the user looks like a typical guest.
func (d *Detector) ownerAlert(ctx context.Context, ev *domain.BookingEvent, a *domain.RiskAssessment, fv *domain.FeatureVector) *OwnerAlert {
	if d.comparer == nil {
		return nil
	}
	cmp, err := d.comparer.Compare(ctx, ev.UserID)
	if err != nil {
		cmp = baseline.Unavailable(ev.UserID, err)
	}
	if cmp.Available && cmp.FraudRisk == domain.FraudRiskLow {
		return nil
	}

	alert := &OwnerAlert{
		UserID:      ev.UserID,
		PropertyID:  ev.PropertyID,
		BookingID:   ev.BookingID,
		EventID:     ev.ID,
		Probability: a.Probability,
		Tier:        a.Tier,
		ReasonScore: fv.ReasonScore,
		Indicators:  a.Indicators,
		Comparison:  cmp,
		RaisedAt:    d.now().UTC(),
	}
	d.publish(ctx, domain.TopicOwnerAlert, ev.UserID, alert)
	d.logger.Info("owner alert raised",
		"user_id", ev.UserID,
		"property_id", ev.PropertyID,
		"booking_id", ev.BookingID,
		"baseline_available", cmp.Available,
		"fraud_risk", cmp.FraudRisk,
	)
	return alert
}

func (d *Detector) publish(ctx context.Context, topic, key string, v any) {
	if d.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err == nil {
		err = d.bus.Publish(ctx, topic, key, payload)
	}
	d.metrics.RecordPublish(ctx, topic, err)
	if err != nil {
		d.logger.Warn("failed to publish event", "topic", topic, "user_id", key, "error", err)
	}
}

// AnalyzeRequest names what to analyze. FeatureData wins over BookingID,
// which wins over UserID.
type AnalyzeRequest struct {
	UserID      string                `json:"userId"`
	BookingID   string                `json:"bookingId"`
	FeatureData *domain.FeatureVector `json:"featureData"`
}

// Analysis is the answer to an analyze request.
type Analysis struct {
	MLAnalysis        *domain.RiskAssessment     `json:"mlAnalysis"`
	HotelComparison   *domain.BaselineComparison `json:"hotelComparison,omitempty"`
	AnalysisTimestamp time.Time                  `json:"analysisTimestamp"`
	FeatureData       domain.FeatureVector       `json:"featureData"`
}

// Analyze scores a user, a stored booking or a caller-built feature vector
// without changing any profile. The baseline comparison runs alongside the
// assessment.
func (d *Detector) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "detector.Analyze",
		trace.WithAttributes(
			attribute.String("user_id", req.UserID),
			attribute.String("booking_id", req.BookingID),
		),
	)
	defer span.End()

	fv, err := d.analysisVector(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		a   *domain.RiskAssessment
		cmp *domain.BaselineComparison
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a = d.assessor.Assess(gctx, &fv)
		return nil
	})
	if d.comparer != nil && fv.UserID != "" {
		g.Go(func() error {
			c, err := d.comparer.Compare(gctx, fv.UserID)
			if err != nil {
				c = baseline.Unavailable(fv.UserID, err)
			}
			cmp = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.BookingID = fv.BookingID
	if fv.UserID != "" {
		if err := d.repo.SaveAssessment(ctx, a); err != nil {
			d.logger.Warn("failed to save assessment", "user_id", a.UserID, "assessment_id", a.ID, "error", err)
		}
	}

	return &Analysis{
		MLAnalysis:        a,
		HotelComparison:   cmp,
		AnalysisTimestamp: d.now().UTC(),
		FeatureData:       fv,
	}, nil
}

func (d *Detector) analysisVector(ctx context.Context, req AnalyzeRequest) (domain.FeatureVector, error) {
	switch {
	case req.FeatureData != nil:
		in := *req.FeatureData
		if in.UserID == "" {
			in.UserID = req.UserID
		}
		return features.Sanitize(in), nil

	case req.BookingID != "":
		ev, err := d.repo.GetLatestEventForBooking(ctx, req.BookingID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.FeatureVector{}, fmt.Errorf("%w: booking %s", domain.ErrNotFound, req.BookingID)
			}
			return domain.FeatureVector{}, err
		}
		p, err := d.profiles.Get(ctx, ev.UserID)
		if err != nil {
			return domain.FeatureVector{}, err
		}
		return features.Extract(ev, p), nil

	case req.UserID != "":
		p, err := d.profiles.Get(ctx, req.UserID)
		if err != nil {
			return domain.FeatureVector{}, err
		}
		ev := &domain.BookingEvent{
			UserID:       req.UserID,
			LeadTimeDays: p.AverageLeadTimeDays,
		}
		return features.Extract(ev, p), nil
	}
	return domain.FeatureVector{}, fmt.Errorf("%w: one of userId, bookingId or featureData is required", domain.ErrInputInvalid)
}

// RiskLevel bands a profile risk score.
func RiskLevel(score float64) string {
	switch {
	case score >= HighRiskScore:
		return "high"
	case score >= MediumRiskScore:
		return "medium"
	default:
		return "low"
	}
}

// FlaggedUser is one entry of the statistics' flagged-user list.
type FlaggedUser struct {
	UserID             string     `json:"userId"`
	FraudScore         float64    `json:"fraudScore"`
	TotalCancellations int        `json:"totalCancellations"`
	RiskLevel          string     `json:"riskLevel"`
	FlagReason         string     `json:"flagReason,omitempty"`
	LastActivity       *time.Time `json:"lastActivity,omitempty"`
}

// Statistics summarizes recent fraud activity for operators.
type Statistics struct {
	FlaggedUsersCount          int                 `json:"flaggedUsersCount"`
	HighRiskUsersCount         int                 `json:"highRiskUsersCount"`
	RecentCancellationsCount   int                 `json:"recentCancellationsCount"`
	SuspiciousAssessmentsCount int                 `json:"suspiciousAssessmentsCount"`
	AssessmentsByDay           []domain.DailyCount `json:"assessmentsByDay"`
	FlaggedUsers               []FlaggedUser       `json:"flaggedUsers"`
	DataCollectionDate         time.Time           `json:"dataCollectionDate"`
	IsRuleBased                bool                `json:"isRuleBased"`
	DetectionMethod            string              `json:"detectionMethod"`
}

// DetectionMethod reports which scorer currently decides.
func (d *Detector) DetectionMethod() (string, bool) {
	if d.health == nil || d.health.State().UsingFallback {
		return MethodRuleBased, true
	}
	return MethodLearnedModel, false
}

// Statistics returns fraud statistics, cached briefly when a cache is set.
// The detection method is always current.
func (d *Detector) Statistics(ctx context.Context) (*Statistics, error) {
	stats, err := d.cachedStatistics(ctx)
	if err != nil {
		return nil, err
	}
	stats.DetectionMethod, stats.IsRuleBased = d.DetectionMethod()
	return stats, nil
}

func (d *Detector) cachedStatistics(ctx context.Context) (*Statistics, error) {
	if d.cache != nil {
		cached, ok, err := cache.GetJSON[Statistics](ctx, d.cache, statisticsKey)
		if err != nil {
			d.logger.Debug("statistics cache read failed", "error", err)
		}
		if ok {
			return cached, nil
		}
	}

	stats, err := d.computeStatistics(ctx)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := cache.SetJSON(ctx, d.cache, statisticsKey, stats, statisticsTTL); err != nil {
			d.logger.Debug("statistics cache write failed", "error", err)
		}
	}
	return stats, nil
}

func (d *Detector) computeStatistics(ctx context.Context) (*Statistics, error) {
	now := d.now().UTC()

	flagged, err := d.profiles.ListFlagged(ctx, d.flagThresh)
	if err != nil {
		return nil, err
	}
	all, err := d.profiles.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		FlaggedUsersCount:  len(flagged),
		FlaggedUsers:       make([]FlaggedUser, 0, min(len(flagged), topFlagged)),
		DataCollectionDate: now,
	}
	for _, p := range all {
		if p.RiskScore >= HighRiskScore {
			stats.HighRiskUsersCount++
		}
		stats.RecentCancellationsCount += p.CancellationsLast24h
	}
	for _, p := range flagged {
		if len(stats.FlaggedUsers) == topFlagged {
			break
		}
		fu := FlaggedUser{
			UserID:             p.UserID,
			FraudScore:         p.EffectiveRisk(),
			TotalCancellations: p.TotalCancellations,
			RiskLevel:          RiskLevel(p.EffectiveRisk()),
			FlagReason:         p.FlagReason,
		}
		if last := p.LastActivity(); !last.IsZero() {
			fu.LastActivity = &last
		}
		stats.FlaggedUsers = append(stats.FlaggedUsers, fu)
	}

	since := now.Add(-statisticsWindow)
	if stats.SuspiciousAssessmentsCount, err = d.repo.CountAssessmentsSince(ctx, since, true); err != nil {
		return nil, fmt.Errorf("failed to count assessments: %w", err)
	}
	if stats.AssessmentsByDay, err = d.repo.DailyAssessmentCounts(ctx, since); err != nil {
		return nil, fmt.Errorf("failed to count assessments by day: %w", err)
	}
	if stats.AssessmentsByDay == nil {
		stats.AssessmentsByDay = []domain.DailyCount{}
	}
	return stats, nil
}

// ReasonEntry is one cancellation reason with its own verdict.
type ReasonEntry struct {
	features.ReasonRecord
	features.ReasonAnalysis
}

// ReasonSummary is the keyword analysis of cancellation reasons.
type ReasonSummary struct {
	UserID string `json:"userId,omitempty"`
	features.ReasonReport
	Reasons []ReasonEntry `json:"reasons"`
}

// ReasonAnalysis analyzes the user's recent cancellation reasons, or the
// platform's when userID is empty.
func (d *Detector) ReasonAnalysis(ctx context.Context, userID string) (*ReasonSummary, error) {
	limit := platformReasonLimit
	if userID != "" {
		limit = userReasonLimit
	}
	events, err := d.repo.ListCancellations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancellations: %w", err)
	}
	if userID != "" && len(events) == 0 {
		return nil, fmt.Errorf("%w: no cancellations for %s", domain.ErrProfileNotFound, userID)
	}

	records := make([]features.ReasonRecord, 0, len(events))
	entries := make([]ReasonEntry, 0, len(events))
	for _, ev := range events {
		rec := features.ReasonRecord{
			UserID:     ev.UserID,
			BookingID:  ev.BookingID,
			Reason:     ev.UserReason,
			OccurredAt: ev.OccurredAt,
			LeadTime:   ev.LeadTimeDays,
		}
		records = append(records, rec)
		entries = append(entries, ReasonEntry{
			ReasonRecord:   rec,
			ReasonAnalysis: features.AnalyzeReason(ev.UserReason),
		})
	}

	return &ReasonSummary{
		UserID:       userID,
		ReasonReport: features.AnalyzeReasons(records),
		Reasons:      entries,
	}, nil
}
