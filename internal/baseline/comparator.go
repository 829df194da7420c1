// Package baseline compares a user's cancellation pattern with reference
// statistics from an industry dataset.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/keelguard/internal/cache"
	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/health"
	"github.com/opensource-finance/keelguard/internal/observability"
)

var tracer = otel.Tracer("keelguard-baseline")

// Similarity weights and verdict thresholds.
const (
	leadTimeWeight = 0.45
	ratioWeight    = 0.55

	HighSimilarity     = 70.0
	ModerateSimilarity = 40.0
)

// Recommendation texts by similarity band.
const (
	RecommendationHigh     = "High similarity to typical hotel cancellation patterns; behavior is likely benign."
	RecommendationModerate = "Moderate similarity to typical hotel cancellation patterns; monitor, no immediate action required."
	RecommendationLow      = "Low similarity to typical hotel cancellation patterns; review this user and consider additional verification."
)

const (
	cacheKeyPrefix  = "baseline:cmp:"
	cacheVersionKey = "baseline:version"
	platformKey     = "_platform"
)

// ProfileSource provides the profiles a comparison reads.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*domain.FraudProfile, error)
	List(ctx context.Context) ([]*domain.FraudProfile, error)
}

// Store holds the reference dataset.
type Store interface {
	GetBaseline(ctx context.Context) (*domain.BaselineDataset, error)
	SaveBaseline(ctx context.Context, d *domain.BaselineDataset) error
}

// Comparator scores how closely a user's pattern matches the reference.
type Comparator struct {
	profiles ProfileSource
	store    Store
	service  *ServiceClient
	cache    domain.Cache
	ttl      time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithService adds the external comparison service as a fallback source.
func WithService(s *ServiceClient) Option {
	return func(c *Comparator) { c.service = s }
}

// WithCache caches results for ttl.
func WithCache(cc domain.Cache, ttl time.Duration) Option {
	return func(c *Comparator) {
		c.cache = cc
		c.ttl = ttl
	}
}

// WithMetrics records comparisons.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Comparator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Comparator) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Comparator) { c.now = now }
}

// NewComparator creates a comparator over profiles and store.
func NewComparator(profiles ProfileSource, store Store, opts ...Option) *Comparator {
	c := &Comparator{
		profiles: profiles,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed stores the default hotel baseline when none exists yet.
func (c *Comparator) Seed(ctx context.Context) (bool, error) {
	existing, err := c.store.GetBaseline(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("failed to read baseline: %w", err)
	}
	if !existing.Empty() {
		return false, nil
	}

	d := domain.DefaultHotelBaseline()
	d.ImportedAt = c.now().UTC()
	if err := c.store.SaveBaseline(ctx, &d); err != nil {
		return false, fmt.Errorf("failed to seed baseline: %w", err)
	}
	c.logger.Info("seeded default baseline", "source", d.Source, "sample_size", d.SampleSize)
	return true, nil
}

// Dataset returns the stored reference dataset.
func (c *Comparator) Dataset(ctx context.Context) (*domain.BaselineDataset, error) {
	d, err := c.store.GetBaseline(ctx)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && d.Empty()) {
		return nil, fmt.Errorf("%w: no baseline data", domain.ErrBaselineUnavailable)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Replace swaps the reference dataset and invalidates cached comparisons.
func (c *Comparator) Replace(ctx context.Context, d *domain.BaselineDataset) error {
	if d == nil || d.SampleSize <= 0 {
		return fmt.Errorf("%w: sampleSize must be positive", domain.ErrInputInvalid)
	}
	if d.MeanLeadTimeDays < 0 || d.CancellationRatio < 0 || d.CancellationRatio > 1 {
		return fmt.Errorf("%w: meanLeadTimeDays must be >= 0 and cancellationRatio within [0,1]", domain.ErrInputInvalid)
	}
	if d.ImportedAt.IsZero() {
		d.ImportedAt = c.now().UTC()
	}
	if err := c.store.SaveBaseline(ctx, d); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheVersionKey, []byte(uuid.New().String()), 0); err != nil {
			c.logger.Warn("failed to invalidate cached comparisons", "error", err)
		}
	}
	return nil
}

// Compare compares userID's profile with the reference. An empty userID
// compares the platform-wide aggregate. Errors wrap ErrProfileNotFound when
// there is no history to compare and ErrBaselineUnavailable when no
// reference source answered.
func (c *Comparator) Compare(ctx context.Context, userID string) (*domain.BaselineComparison, error) {
	ctx, span := tracer.Start(ctx, "baseline.Compare")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	key := c.cacheKey(ctx, userID)
	if key != "" {
		if cached, ok, err := cache.GetJSON[domain.BaselineComparison](ctx, c.cache, key); err != nil {
			c.logger.Warn("baseline cache read failed", "error", err)
		} else if ok {
			c.metrics.RecordComparison(ctx, cached.Source, true)
			return cached, nil
		}
	}

	stats, err := c.userStats(ctx, userID)
	if err != nil {
		c.metrics.RecordComparison(ctx, "", false)
		return nil, err
	}

	chain := health.NewChain[*domain.BaselineComparison]().
		Then(domain.BaselineSourcePrimary, func(ctx context.Context) (*domain.BaselineComparison, error) {
			d, err := c.Dataset(ctx)
			if err != nil {
				return nil, err
			}
			return Score(userID, stats, d), nil
		})
	if c.service != nil {
		chain.Then(domain.BaselineSourceService, func(ctx context.Context) (*domain.BaselineComparison, error) {
			return c.service.Compare(ctx, userID, stats)
		})
	}

	cmp, source, err := chain.Run(ctx)
	if err != nil {
		c.metrics.RecordComparison(ctx, "", false)
		c.logger.Warn("baseline comparison unavailable", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %w", domain.ErrBaselineUnavailable, err)
	}
	cmp.Source = source
	cmp.ComparedAt = c.now().UTC()
	span.SetAttributes(
		attribute.String("source", source),
		attribute.Float64("similarity", cmp.SimilarityScore),
	)

	if key != "" {
		if err := cache.SetJSON(ctx, c.cache, key, cmp, c.ttl); err != nil {
			c.logger.Warn("baseline cache write failed", "error", err)
		}
	}
	c.metrics.RecordComparison(ctx, source, false)
	return cmp, nil
}

// Unavailable builds the result returned to callers when Compare fails with
// a known condition.
func Unavailable(userID string, err error) *domain.BaselineComparison {
	reason := "comparison unavailable"
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		reason = "no booking history to compare"
	case errors.Is(err, domain.ErrBaselineUnavailable):
		reason = "no baseline data"
	}
	return &domain.BaselineComparison{
		Available: false,
		Reason:    reason,
		UserID:    userID,
	}
}

func (c *Comparator) cacheKey(ctx context.Context, userID string) string {
	if c.cache == nil || c.ttl <= 0 {
		return ""
	}
	version, err := c.cache.Get(ctx, cacheVersionKey)
	if err != nil {
		return ""
	}
	id := userID
	if id == "" {
		id = platformKey
	}
	return cacheKeyPrefix + string(version) + ":" + id
}

func (c *Comparator) userStats(ctx context.Context, userID string) (domain.ComparedStats, error) {
	if userID != "" {
		p, err := c.profiles.Get(ctx, userID)
		if err != nil {
			return domain.ComparedStats{}, err
		}
		if p.IsZero() {
			return domain.ComparedStats{}, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, userID)
		}
		return statsOf(p), nil
	}

	profiles, err := c.profiles.List(ctx)
	if err != nil {
		return domain.ComparedStats{}, err
	}
	agg := Aggregate(profiles)
	if agg.TotalBookings == 0 && agg.TotalCancellations == 0 {
		return domain.ComparedStats{}, fmt.Errorf("%w: no profiles recorded", domain.ErrProfileNotFound)
	}
	return agg, nil
}

func statsOf(p *domain.FraudProfile) domain.ComparedStats {
	return domain.ComparedStats{
		MeanLeadTimeDays:   p.AverageLeadTimeDays,
		CancellationRatio:  p.CancellationRatio,
		TotalBookings:      p.TotalBookings,
		TotalCancellations: p.TotalCancellations,
	}
}

// Aggregate folds profiles into platform-wide stats. Lead time is weighted
// by each profile's bookings.
func Aggregate(profiles []*domain.FraudProfile) domain.ComparedStats {
	var out domain.ComparedStats
	var leadSum float64
	for _, p := range profiles {
		out.TotalBookings += p.TotalBookings
		out.TotalCancellations += p.TotalCancellations
		leadSum += p.AverageLeadTimeDays * float64(p.TotalBookings)
	}
	out.SampleSize = len(profiles)
	if out.TotalBookings > 0 {
		out.MeanLeadTimeDays = leadSum / float64(out.TotalBookings)
		out.CancellationRatio = math.Min(float64(out.TotalCancellations)/float64(out.TotalBookings), 1)
	}
	return out
}

// Score compares user stats with a dataset locally.
func Score(userID string, user domain.ComparedStats, d *domain.BaselineDataset) *domain.BaselineComparison {
	leadSim := similarity(user.MeanLeadTimeDays, d.MeanLeadTimeDays)
	ratioSim := ratioSimilarity(user.CancellationRatio, d.CancellationRatio)
	score := math.Round(100*(leadTimeWeight*leadSim+ratioWeight*ratioSim)*10) / 10

	cmp := verdict(userID, score)
	cmp.PatternMatches = patternMatches(user, d, leadSim, ratioSim)
	cmp.DataPoints = &domain.BaselineDataPoints{
		User: user,
		Baseline: domain.ComparedStats{
			MeanLeadTimeDays:  d.MeanLeadTimeDays,
			CancellationRatio: d.CancellationRatio,
			SampleSize:        d.SampleSize,
		},
	}
	return cmp
}

func verdict(userID string, score float64) *domain.BaselineComparison {
	cmp := &domain.BaselineComparison{
		Available:       true,
		UserID:          userID,
		SimilarityScore: score,
		IsSuspicious:    score < ModerateSimilarity,
	}
	switch {
	case score >= HighSimilarity:
		cmp.FraudRisk = domain.FraudRiskLow
		cmp.Recommendation = RecommendationHigh
	case score >= ModerateSimilarity:
		cmp.FraudRisk = domain.FraudRiskMedium
		cmp.Recommendation = RecommendationModerate
	default:
		cmp.FraudRisk = domain.FraudRiskHigh
		cmp.Recommendation = RecommendationLow
	}
	return cmp
}

func patternMatches(user domain.ComparedStats, d *domain.BaselineDataset, leadSim, ratioSim float64) []string {
	var out []string
	if leadSim >= 0.8 {
		out = append(out, "Lead time is in line with the reference")
	} else if user.MeanLeadTimeDays < d.MeanLeadTimeDays {
		out = append(out, fmt.Sprintf("Books closer to departure than the reference (%.1f vs %.1f days)", user.MeanLeadTimeDays, d.MeanLeadTimeDays))
	} else {
		out = append(out, fmt.Sprintf("Books further ahead than the reference (%.1f vs %.1f days)", user.MeanLeadTimeDays, d.MeanLeadTimeDays))
	}
	if ratioSim >= 0.8 {
		out = append(out, "Cancellation ratio is in line with the reference")
	} else if user.CancellationRatio > d.CancellationRatio {
		out = append(out, fmt.Sprintf("Cancels more often than the reference (%.0f%% vs %.0f%%)", user.CancellationRatio*100, d.CancellationRatio*100))
	} else {
		out = append(out, fmt.Sprintf("Cancels less often than the reference (%.0f%% vs %.0f%%)", user.CancellationRatio*100, d.CancellationRatio*100))
	}
	return out
}

// similarity is min(a/b, b/a); equal zeros are identical and a single zero
// shares nothing.
func similarity(a, b float64) float64 {
	if a < 0 || b < 0 || math.IsNaN(a) || math.IsNaN(b) {
		return 0
	}
	if a == 0 && b == 0 {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	return math.Min(a/b, b/a)
}

// ratioSimilarity compares two ratios in [0, 1] by absolute distance, scaled
// so that the farthest ratio from ref scores 0.
func ratioSimilarity(r, ref float64) float64 {
	if math.IsNaN(r) || math.IsNaN(ref) {
		return 0
	}
	r, ref = clamp(r, 0, 1), clamp(ref, 0, 1)
	span := math.Max(ref, 1-ref)
	return clamp(1-math.Abs(r-ref)/span, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
