package detector

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/keelguard/internal/cache"
	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/profile"
	"github.com/opensource-finance/keelguard/internal/repository"
)

type fakeAssessor struct {
	high bool
}

func (f *fakeAssessor) Assess(_ context.Context, fv *domain.FeatureVector) *domain.RiskAssessment {
	a := &domain.RiskAssessment{
		ID:          uuid.New().String(),
		UserID:      fv.UserID,
		Probability: 0.2,
		Tier:        domain.TierLow,
		Indicators:  []string{},
		Source:      domain.SourceRuleBased,
		AssessedAt:  time.Now().UTC(),
	}
	if f.high {
		a.Probability = 0.9
		a.HighRisk = true
		a.Tier = domain.TierVeryHigh
		a.Indicators = []string{"Quick cancellation after booking"}
	}
	return a
}

type fakeComparer struct {
	cmp   *domain.BaselineComparison
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeComparer) Compare(_ context.Context, userID string) (*domain.BaselineComparison, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := *f.cmp
	out.UserID = userID
	return &out, nil
}

type fakeHealth struct {
	fallback bool
}

func (f fakeHealth) State() domain.ServiceHealthState {
	return domain.ServiceHealthState{UsingFallback: f.fallback}
}

type published struct {
	topic   string
	key     string
	payload []byte
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic, key, payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.topic)
	}
	return out
}

type fixture struct {
	repo     *repository.SQLRepository
	store    *profile.Store
	assessor *fakeAssessor
	bus      *recordingBus
	det      *Detector
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "keelguard.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &fixture{
		repo:     repo,
		store:    profile.NewStore(domain.DefaultConfig().Profile, profile.WithRepository(repo)),
		assessor: &fakeAssessor{},
		bus:      &recordingBus{},
	}
	opts = append([]Option{WithBus(f.bus)}, opts...)
	f.det = New(repo, f.store, f.assessor, opts...)
	return f
}

func bookedEvent(id, user, booking string, at time.Time) *domain.BookingEvent {
	return &domain.BookingEvent{
		ID:           id,
		UserID:       user,
		PropertyID:   "boat-1",
		BookingID:    booking,
		Type:         domain.EventBooked,
		LeadTimeDays: 14,
		StayNights:   3,
		Adults:       2,
		Price:        decimal.NewFromInt(300),
		OccurredAt:   at,
	}
}

func cancelledEvent(id, user, booking, reason string, at time.Time) *domain.BookingEvent {
	return &domain.BookingEvent{
		ID:         id,
		UserID:     user,
		BookingID:  booking,
		Type:       domain.EventCancelled,
		UserReason: reason,
		OccurredAt: at,
	}
}

func TestProcessEventCommitsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.det.ProcessEvent(ctx, bookedEvent("e1", "u1", "bk1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	require.NotNil(t, res.Assessment)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "e1", res.Assessment.EventID)
	assert.Equal(t, "bk1", res.Assessment.BookingID)
	assert.Equal(t, 1, res.Profile.TotalBookings)
	assert.Nil(t, res.OwnerAlert)

	audit, err := f.repo.ListAssessments(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, res.Assessment.ID, audit[0].ID)

	events, err := f.repo.ListEvents(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.Equal(t, []string{domain.TopicAssessment}, f.bus.topics())
	assert.Equal(t, "u1", f.bus.msgs[0].key)
	var got domain.RiskAssessment
	require.NoError(t, json.Unmarshal(f.bus.msgs[0].payload, &got))
	assert.Equal(t, res.Assessment.ID, got.ID)
}

func TestProcessEventDefaultsIDAndTime(t *testing.T) {
	f := newFixture(t)
	in := &domain.BookingEvent{UserID: "u1", Type: domain.EventBooked}

	res, err := f.det.ProcessEvent(context.Background(), in)
	require.NoError(t, err)

	assert.NotEmpty(t, res.Event.ID)
	assert.False(t, res.Event.OccurredAt.IsZero())
	assert.Empty(t, in.ID, "input event must not be modified")
}

func TestProcessEventRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.det.ProcessEvent(context.Background(), &domain.BookingEvent{Type: domain.EventBooked})
	assert.ErrorIs(t, err, domain.ErrInputInvalid)

	_, err = f.det.ProcessEvent(context.Background(), &domain.BookingEvent{UserID: "u1", Type: "refunded"})
	assert.ErrorIs(t, err, domain.ErrInputInvalid)
	assert.Empty(t, f.bus.topics())
}

func TestProcessEventDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := bookedEvent("dup", "u1", "bk1", time.Now().Add(-time.Hour))

	_, err := f.det.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	res, err := f.det.ProcessEvent(ctx, ev)
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Assessment)
	assert.Equal(t, 1, res.Profile.TotalBookings)
	assert.Len(t, f.bus.topics(), 1)

	audit, err := f.repo.ListAssessments(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestProcessEventConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := cancelledEvent("race", "u1", "", "", time.Now().Add(-time.Hour))

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.det.ProcessEvent(ctx, ev)
			if !assert.NoError(t, err) {
				return
			}
			if !res.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, []string{domain.TopicAssessment}, f.bus.topics())

	p, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalCancellations)

	audit, err := f.repo.ListAssessments(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestProcessEventDuplicateOutsideRecentWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// older than the profile retention, so only the event log remembers it
	ev := bookedEvent("old", "u1", "bk1", time.Now().Add(-60*24*time.Hour))

	_, err := f.det.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	seen, err := f.store.Seen(ctx, "u1", "old")
	require.NoError(t, err)
	require.False(t, seen)

	res, err := f.det.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, res.Profile.TotalBookings)
	assert.Len(t, f.bus.topics(), 1)
}

type failingProfiles struct {
	*profile.Store
	fail bool
}

func (p *failingProfiles) RecordEvent(ctx context.Context, ev *domain.BookingEvent, a *domain.RiskAssessment) (*domain.FraudProfile, bool, error) {
	if p.fail {
		return nil, false, errors.New("profile store unavailable")
	}
	return p.Store.RecordEvent(ctx, ev, a)
}

func TestProcessEventRollsBackLogOnProfileFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profiles := &failingProfiles{Store: f.store, fail: true}
	det := New(f.repo, profiles, f.assessor, WithBus(f.bus))
	ev := bookedEvent("retry", "u1", "bk1", time.Now().Add(-time.Hour))

	_, err := det.ProcessEvent(ctx, ev)
	require.Error(t, err)
	events, err := f.repo.ListEvents(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, f.bus.topics())

	profiles.fail = false
	res, err := det.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.Profile.TotalBookings)
}

func TestProcessEventFutureTimeClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := time.Now()

	res, err := f.det.ProcessEvent(ctx, cancelledEvent("f1", "u1", "", "", time.Now().Add(30*24*time.Hour)))
	require.NoError(t, err)

	assert.False(t, res.Event.OccurredAt.After(time.Now()))
	assert.False(t, res.Event.OccurredAt.Before(before.Add(-time.Second)))
	assert.Equal(t, 1, res.Profile.CancellationsLast24h)
	assert.Equal(t, 1, res.Profile.CancellationsLast7d)
}

func TestCancellationFilledFromBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	_, err := f.det.ProcessEvent(ctx, bookedEvent("b1", "u1", "bk1", bookedAt))
	require.NoError(t, err)

	res, err := f.det.ProcessEvent(ctx, cancelledEvent("c1", "u1", "bk1", "", bookedAt.Add(10*time.Minute)))
	require.NoError(t, err)

	assert.InDelta(t, 10.0, res.Event.MinutesSinceBooking, 1e-6)
	assert.Equal(t, "boat-1", res.Event.PropertyID)
	assert.Equal(t, 14.0, res.Event.LeadTimeDays)
	assert.Equal(t, 2, res.Event.Adults)
	assert.True(t, decimal.NewFromInt(300).Equal(res.Event.Price))
	assert.Equal(t, 1, res.Profile.TotalCancellations)
}

func TestCancellationOfOtherUsersBookingNotFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookedAt := time.Now().Add(-time.Hour)

	_, err := f.det.ProcessEvent(ctx, bookedEvent("b1", "owner", "bk1", bookedAt))
	require.NoError(t, err)

	res, err := f.det.ProcessEvent(ctx, cancelledEvent("c1", "other", "bk1", "", bookedAt.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Zero(t, res.Event.MinutesSinceBooking)
	assert.Empty(t, res.Event.PropertyID)
}

func TestProfileFlaggedPublishedOnTransition(t *testing.T) {
	f := newFixture(t)
	f.assessor.high = true
	ctx := context.Background()

	res, err := f.det.ProcessEvent(ctx, bookedEvent("e1", "u1", "bk1", time.Now().Add(-2*time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Profile.IsFlagged)

	_, err = f.det.ProcessEvent(ctx, bookedEvent("e2", "u1", "bk2", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.TopicAssessment,
		domain.TopicProfileFlagged,
		domain.TopicAssessment,
	}, f.bus.topics())
}

func TestOwnerAlert(t *testing.T) {
	tests := []struct {
		name      string
		high      bool
		reason    string
		comparer  *fakeComparer
		wantAlert bool
		wantCalls int
	}{
		{
			name:      "high risk and medium baseline",
			high:      true,
			comparer:  &fakeComparer{cmp: &domain.BaselineComparison{Available: true, FraudRisk: domain.FraudRiskMedium}},
			wantAlert: true,
			wantCalls: 1,
		},
		{
			name:      "suspicious reason and high baseline",
			reason:    "just a test",
			comparer:  &fakeComparer{cmp: &domain.BaselineComparison{Available: true, FraudRisk: domain.FraudRiskHigh}},
			wantAlert: true,
			wantCalls: 1,
		},
		{
			name:      "typical guest",
			high:      true,
			comparer:  &fakeComparer{cmp: &domain.BaselineComparison{Available: true, FraudRisk: domain.FraudRiskLow}},
			wantAlert: false,
			wantCalls: 1,
		},
		{
			name:      "baseline unavailable",
			high:      true,
			comparer:  &fakeComparer{err: domain.ErrBaselineUnavailable},
			wantAlert: true,
			wantCalls: 1,
		},
		{
			name:      "not suspicious",
			reason:    "family emergency",
			comparer:  &fakeComparer{cmp: &domain.BaselineComparison{Available: true, FraudRisk: domain.FraudRiskHigh}},
			wantAlert: false,
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithComparer(tt.comparer))
			f.assessor.high = tt.high

			res, err := f.det.ProcessEvent(context.Background(),
				cancelledEvent("c1", "u1", "", tt.reason, time.Now().Add(-time.Minute)))
			require.NoError(t, err)

			assert.Equal(t, tt.wantCalls, tt.comparer.calls)
			if !tt.wantAlert {
				assert.Nil(t, res.OwnerAlert)
				assert.NotContains(t, f.bus.topics(), domain.TopicOwnerAlert)
				return
			}
			require.NotNil(t, res.OwnerAlert)
			assert.Equal(t, "u1", res.OwnerAlert.UserID)
			assert.Equal(t, "c1", res.OwnerAlert.EventID)
			require.NotNil(t, res.OwnerAlert.Comparison)
			assert.Contains(t, f.bus.topics(), domain.TopicOwnerAlert)
		})
	}
}

func TestOwnerAlertUnavailableBaseline(t *testing.T) {
	f := newFixture(t, WithComparer(&fakeComparer{err: domain.ErrBaselineUnavailable}))
	f.assessor.high = true

	res, err := f.det.ProcessEvent(context.Background(),
		cancelledEvent("c1", "u1", "", "", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, res.OwnerAlert)
	assert.False(t, res.OwnerAlert.Comparison.Available)
	assert.Equal(t, "no baseline data", res.OwnerAlert.Comparison.Reason)
}

func TestAnalyze(t *testing.T) {
	cmp := &fakeComparer{cmp: &domain.BaselineComparison{Available: true, SimilarityScore: 82, FraudRisk: domain.FraudRiskLow}}
	f := newFixture(t, WithComparer(cmp))
	ctx := context.Background()

	_, err := f.det.ProcessEvent(ctx, bookedEvent("b1", "u1", "bk1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	t.Run("RequiresInput", func(t *testing.T) {
		_, err := f.det.Analyze(ctx, AnalyzeRequest{})
		assert.ErrorIs(t, err, domain.ErrInputInvalid)
	})

	t.Run("UnknownBooking", func(t *testing.T) {
		_, err := f.det.Analyze(ctx, AnalyzeRequest{BookingID: "missing"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ByUser", func(t *testing.T) {
		res, err := f.det.Analyze(ctx, AnalyzeRequest{UserID: "u1"})
		require.NoError(t, err)
		require.NotNil(t, res.MLAnalysis)
		assert.Equal(t, "u1", res.MLAnalysis.UserID)
		assert.Equal(t, 1, res.FeatureData.TotalBookings)
		assert.Equal(t, 14.0, res.FeatureData.LeadTimeDays)
		require.NotNil(t, res.HotelComparison)
		assert.Equal(t, 82.0, res.HotelComparison.SimilarityScore)
	})

	t.Run("ByBooking", func(t *testing.T) {
		res, err := f.det.Analyze(ctx, AnalyzeRequest{BookingID: "bk1"})
		require.NoError(t, err)
		assert.Equal(t, "u1", res.FeatureData.UserID)
		assert.Equal(t, "bk1", res.MLAnalysis.BookingID)
	})

	t.Run("FeatureDataWins", func(t *testing.T) {
		res, err := f.det.Analyze(ctx, AnalyzeRequest{
			UserID:      "u2",
			BookingID:   "missing",
			FeatureData: &domain.FeatureVector{LeadTimeDays: -3, CancellationRatio: 0.5},
		})
		require.NoError(t, err)
		assert.Equal(t, "u2", res.FeatureData.UserID)
		assert.Zero(t, res.FeatureData.LeadTimeDays)
		assert.True(t, res.FeatureData.LowConfidence)
	})

	t.Run("AnonymousFeatureDataSkipsComparison", func(t *testing.T) {
		before := cmp.calls
		res, err := f.det.Analyze(ctx, AnalyzeRequest{FeatureData: &domain.FeatureVector{LeadTimeDays: 3}})
		require.NoError(t, err)
		assert.Nil(t, res.HotelComparison)
		assert.Equal(t, before, cmp.calls)
	})

	t.Run("ComparisonFailureIsUnavailable", func(t *testing.T) {
		g := newFixture(t, WithComparer(&fakeComparer{err: domain.ErrProfileNotFound}))
		res, err := g.det.Analyze(ctx, AnalyzeRequest{UserID: "ghost"})
		require.NoError(t, err)
		require.NotNil(t, res.HotelComparison)
		assert.False(t, res.HotelComparison.Available)
	})
}

func TestAnalyzeDoesNotChangeProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.det.ProcessEvent(ctx, bookedEvent("b1", "u1", "bk1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	before, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)

	_, err = f.det.Analyze(ctx, AnalyzeRequest{UserID: "u1"})
	require.NoError(t, err)

	after, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.TotalBookings, after.TotalBookings)
	assert.Len(t, f.bus.topics(), 1)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, WithCache(cache.NewLRUCache(100)), WithHealth(fakeHealth{fallback: true}))
	ctx := context.Background()

	f.assessor.high = true
	_, err := f.det.ProcessEvent(ctx, cancelledEvent("c1", "risky", "", "", time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	f.assessor.high = false
	_, err = f.det.ProcessEvent(ctx, bookedEvent("b1", "calm", "bk1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	stats, err := f.det.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FlaggedUsersCount)
	require.Len(t, stats.FlaggedUsers, 1)
	assert.Equal(t, "risky", stats.FlaggedUsers[0].UserID)
	assert.Equal(t, 1, stats.FlaggedUsers[0].TotalCancellations)
	assert.Equal(t, 1, stats.RecentCancellationsCount)
	assert.Equal(t, 1, stats.SuspiciousAssessmentsCount)
	require.NotEmpty(t, stats.AssessmentsByDay)
	assert.True(t, stats.IsRuleBased)
	assert.Equal(t, MethodRuleBased, stats.DetectionMethod)

	// served from cache until the entry expires
	_, err = f.det.ProcessEvent(ctx, cancelledEvent("c2", "other", "", "", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	again, err := f.det.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.RecentCancellationsCount, again.RecentCancellationsCount)
}

func TestDetectionMethod(t *testing.T) {
	tests := []struct {
		name   string
		health HealthReporter
		want   string
		rule   bool
	}{
		{"no model", nil, MethodRuleBased, true},
		{"fallback", fakeHealth{fallback: true}, MethodRuleBased, true},
		{"model", fakeHealth{fallback: false}, MethodLearnedModel, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(nil, nil, nil, WithHealth(tt.health))
			method, rule := d.DetectionMethod()
			assert.Equal(t, tt.want, method)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, "high", RiskLevel(75))
	assert.Equal(t, "medium", RiskLevel(74.9))
	assert.Equal(t, "medium", RiskLevel(50))
	assert.Equal(t, "low", RiskLevel(49.9))
}

func TestReasonAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	for i, reason := range []string{"just testing the app", "booked twice by mistake", ""} {
		_, err := f.det.ProcessEvent(ctx, cancelledEvent(
			uuid.New().String(), "u1", "", reason, now.Add(-time.Duration(i+1)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := f.det.ProcessEvent(ctx, cancelledEvent("x1", "u2", "", "found another place cheaper", now.Add(-time.Minute)))
	require.NoError(t, err)

	t.Run("User", func(t *testing.T) {
		res, err := f.det.ReasonAnalysis(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", res.UserID)
		assert.Equal(t, 3, res.TotalCancellations)
		assert.Equal(t, 2, res.WithReason)
		assert.Equal(t, 1, res.WithoutReason)
		require.Len(t, res.Reasons, 3)
		assert.Equal(t, "just testing the app", res.Reasons[0].Reason)
		assert.True(t, res.Reasons[0].IsSuspicious)
		assert.False(t, res.Reasons[2].IsSuspicious)
	})

	t.Run("Platform", func(t *testing.T) {
		res, err := f.det.ReasonAnalysis(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 4, res.TotalCancellations)
		assert.NotEmpty(t, res.CommonPhrases)
	})

	t.Run("NoCancellations", func(t *testing.T) {
		_, err := f.det.ReasonAnalysis(ctx, "nobody")
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	})
}
