package baseline

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/keelguard/internal/cache"
	"github.com/opensource-finance/keelguard/internal/domain"
)

type fakeProfiles map[string]*domain.FraudProfile

func (f fakeProfiles) Get(_ context.Context, userID string) (*domain.FraudProfile, error) {
	if p, ok := f[userID]; ok {
		return p, nil
	}
	return &domain.FraudProfile{UserID: userID}, nil
}

func (f fakeProfiles) List(_ context.Context) ([]*domain.FraudProfile, error) {
	out := make([]*domain.FraudProfile, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	return out, nil
}

type fakeStore struct {
	d    *domain.BaselineDataset
	gets atomic.Int32
}

func (s *fakeStore) GetBaseline(context.Context) (*domain.BaselineDataset, error) {
	s.gets.Add(1)
	if s.d == nil {
		return nil, domain.ErrNotFound
	}
	cp := *s.d
	return &cp, nil
}

func (s *fakeStore) SaveBaseline(_ context.Context, d *domain.BaselineDataset) error {
	cp := *d
	s.d = &cp
	return nil
}

func hotelStore() *fakeStore {
	d := domain.DefaultHotelBaseline()
	return &fakeStore{d: &d}
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{0, 0, 1},
		{5, 0, 0},
		{0, 5, 0},
		{10, 20, 0.5},
		{20, 10, 0.5},
		{21, 21, 1},
		{-1, 5, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, similarity(tt.a, tt.b), 1e-9, "similarity(%v, %v)", tt.a, tt.b)
	}
}

func TestRatioSimilarity(t *testing.T) {
	tests := []struct {
		r, ref, want float64
	}{
		{0.12, 0.12, 1},
		{0, 0, 1},
		{1, 0.12, 0},
		{0, 0.12, 1 - 0.12/0.88},
		{0.56, 0.12, 0.5},
		{0, 0.5, 0},
		{1.5, 0.12, 0},
		{math.NaN(), 0.12, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ratioSimilarity(tt.r, tt.ref), 1e-9, "ratioSimilarity(%v, %v)", tt.r, tt.ref)
	}
}

func TestScoreZeroCancellationsIsLowRisk(t *testing.T) {
	d := domain.DefaultHotelBaseline()
	user := domain.ComparedStats{MeanLeadTimeDays: d.MeanLeadTimeDays, TotalBookings: 12}

	cmp := Score("u0", user, &d)

	assert.GreaterOrEqual(t, cmp.SimilarityScore, HighSimilarity)
	assert.False(t, cmp.IsSuspicious)
	assert.Equal(t, domain.FraudRiskLow, cmp.FraudRisk)
	assert.Contains(t, cmp.PatternMatches[1], "in line")
}

func TestScoreCloseToBaseline(t *testing.T) {
	d := domain.DefaultHotelBaseline()
	user := domain.ComparedStats{
		MeanLeadTimeDays:  d.MeanLeadTimeDays * 1.04,
		CancellationRatio: d.CancellationRatio * 0.96,
		TotalBookings:     25,
	}

	cmp := Score("u1", user, &d)

	assert.True(t, cmp.Available)
	assert.GreaterOrEqual(t, cmp.SimilarityScore, HighSimilarity)
	assert.False(t, cmp.IsSuspicious)
	assert.Equal(t, domain.FraudRiskLow, cmp.FraudRisk)
	assert.Contains(t, cmp.Recommendation, "likely benign")
	require.NotNil(t, cmp.DataPoints)
	assert.Equal(t, 36275, cmp.DataPoints.Baseline.SampleSize)
	assert.Equal(t, 25, cmp.DataPoints.User.TotalBookings)
}

func TestScoreFarFromBaseline(t *testing.T) {
	d := domain.DefaultHotelBaseline()
	user := domain.ComparedStats{MeanLeadTimeDays: 1, CancellationRatio: 0.9}

	cmp := Score("u2", user, &d)

	assert.Less(t, cmp.SimilarityScore, ModerateSimilarity)
	assert.True(t, cmp.IsSuspicious)
	assert.Equal(t, domain.FraudRiskHigh, cmp.FraudRisk)
	assert.Equal(t, RecommendationLow, cmp.Recommendation)
	assert.Len(t, cmp.PatternMatches, 2)
	assert.Contains(t, cmp.PatternMatches[0], "closer to departure")
	assert.Contains(t, cmp.PatternMatches[1], "more often")
}

func TestVerdictBands(t *testing.T) {
	tests := []struct {
		score      float64
		risk       domain.FraudRisk
		suspicious bool
		rec        string
	}{
		{100, domain.FraudRiskLow, false, RecommendationHigh},
		{70, domain.FraudRiskLow, false, RecommendationHigh},
		{69.9, domain.FraudRiskMedium, false, RecommendationModerate},
		{40, domain.FraudRiskMedium, false, RecommendationModerate},
		{39.9, domain.FraudRiskHigh, true, RecommendationLow},
		{0, domain.FraudRiskHigh, true, RecommendationLow},
	}
	for _, tt := range tests {
		cmp := verdict("u", tt.score)
		assert.Equal(t, tt.risk, cmp.FraudRisk, "score %v", tt.score)
		assert.Equal(t, tt.suspicious, cmp.IsSuspicious, "score %v", tt.score)
		assert.Equal(t, tt.rec, cmp.Recommendation, "score %v", tt.score)
	}
}

func TestAggregate(t *testing.T) {
	agg := Aggregate([]*domain.FraudProfile{
		{TotalBookings: 3, TotalCancellations: 1, AverageLeadTimeDays: 10},
		{TotalBookings: 1, TotalCancellations: 1, AverageLeadTimeDays: 30},
		{TotalCancellations: 2},
	})

	assert.Equal(t, 4, agg.TotalBookings)
	assert.Equal(t, 4, agg.TotalCancellations)
	assert.InDelta(t, 15, agg.MeanLeadTimeDays, 1e-9)
	assert.InDelta(t, 1, agg.CancellationRatio, 1e-9)
	assert.Equal(t, 3, agg.SampleSize)
}

func TestCompareFromPrimaryStore(t *testing.T) {
	profiles := fakeProfiles{
		"u1": {UserID: "u1", TotalBookings: 10, TotalCancellations: 1, CancellationRatio: 0.12, AverageLeadTimeDays: 21},
	}
	c := NewComparator(profiles, hotelStore(), WithClock(clock))

	cmp, err := c.Compare(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, domain.BaselineSourcePrimary, cmp.Source)
	assert.InDelta(t, 100, cmp.SimilarityScore, 1e-9)
	assert.Equal(t, fixedNow, cmp.ComparedAt)
	assert.Equal(t, "u1", cmp.UserID)
}

func TestComparePlatformAggregate(t *testing.T) {
	profiles := fakeProfiles{
		"a": {UserID: "a", TotalBookings: 5, TotalCancellations: 1, AverageLeadTimeDays: 20},
		"b": {UserID: "b", TotalBookings: 5, TotalCancellations: 0, AverageLeadTimeDays: 22},
	}
	c := NewComparator(profiles, hotelStore(), WithClock(clock))

	cmp, err := c.Compare(context.Background(), "")
	require.NoError(t, err)

	assert.Empty(t, cmp.UserID)
	require.NotNil(t, cmp.DataPoints)
	assert.Equal(t, 10, cmp.DataPoints.User.TotalBookings)
	assert.InDelta(t, 0.1, cmp.DataPoints.User.CancellationRatio, 1e-9)
}

func TestCompareWithoutHistory(t *testing.T) {
	c := NewComparator(fakeProfiles{}, hotelStore())

	_, err := c.Compare(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	res := Unavailable("ghost", err)
	assert.False(t, res.Available)
	assert.Equal(t, "no booking history to compare", res.Reason)
}

func TestCompareWithoutBaseline(t *testing.T) {
	profiles := fakeProfiles{"u1": {UserID: "u1", TotalBookings: 2, AverageLeadTimeDays: 5}}
	c := NewComparator(profiles, &fakeStore{})

	_, err := c.Compare(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBaselineUnavailable)
	assert.Equal(t, "no baseline data", Unavailable("u1", err).Reason)
}

const serviceBody = `{
	"similarityScore": 65,
	"isSuspicious": false,
	"message": "User's booking patterns are generally within normal parameters",
	"recommendation": "No unusual patterns detected; routine monitoring recommended",
	"source": "rule-based",
	"dataPoints": {
		"user": {"averageLeadTime": 22.5, "cancellationRatio": 0.13, "totalBookings": 8, "totalCancellations": 1},
		"industry": {"averageLeadTime": 21, "cancellationRatio": 0.15, "peakBookingDays": ["Monday", "Tuesday"]}
	}
}`

func TestCompareFallsBackToService(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/compare-hotel-patterns", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(serviceBody))
	}))
	defer srv.Close()

	profiles := fakeProfiles{"u1": {UserID: "u1", TotalBookings: 8, TotalCancellations: 1}}
	svc := NewServiceClient(domain.BaselineConfig{ServiceURL: srv.URL, ServiceTimeout: time.Second}, nil)
	c := NewComparator(profiles, &fakeStore{}, WithService(svc), WithClock(clock))

	cmp, err := c.Compare(context.Background(), "u1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, domain.BaselineSourceService, cmp.Source)
	assert.InDelta(t, 65, cmp.SimilarityScore, 1e-9)
	assert.Equal(t, domain.FraudRiskMedium, cmp.FraudRisk)
	assert.False(t, cmp.IsSuspicious)
	assert.Equal(t, "No unusual patterns detected; routine monitoring recommended", cmp.Recommendation)
	require.NotNil(t, cmp.DataPoints)
	assert.InDelta(t, 21, cmp.DataPoints.Baseline.MeanLeadTimeDays, 1e-9)
	assert.InDelta(t, 22.5, cmp.DataPoints.User.MeanLeadTimeDays, 1e-9)
}

func TestPrimaryStoreWinsOverService(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(serviceBody))
	}))
	defer srv.Close()

	profiles := fakeProfiles{"u1": {UserID: "u1", TotalBookings: 8, AverageLeadTimeDays: 21}}
	svc := NewServiceClient(domain.BaselineConfig{ServiceURL: srv.URL}, nil)
	c := NewComparator(profiles, hotelStore(), WithService(svc))

	cmp, err := c.Compare(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.BaselineSourcePrimary, cmp.Source)
	assert.Zero(t, hits.Load())
}

func TestServiceBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	profiles := fakeProfiles{"u1": {UserID: "u1", TotalBookings: 1}}
	svc := NewServiceClient(domain.BaselineConfig{ServiceURL: srv.URL}, nil)
	c := NewComparator(profiles, &fakeStore{}, WithService(svc))

	for i := 0; i < 6; i++ {
		_, err := c.Compare(context.Background(), "u1")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrBaselineUnavailable)
	}

	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, "open", svc.State().String())
}

func TestServiceRejectsBodyWithoutScore(t *testing.T) {
	_, err := decodeServiceResponse([]byte(`{"message":"ok"}`), "u1", domain.ComparedStats{})
	assert.Error(t, err)

	_, err = decodeServiceResponse([]byte(`not json`), "u1", domain.ComparedStats{})
	assert.Error(t, err)
}

func TestNewServiceClientWithoutURL(t *testing.T) {
	assert.Nil(t, NewServiceClient(domain.BaselineConfig{}, nil))
}

func TestCompareCachesAndReplaceInvalidates(t *testing.T) {
	ctx := context.Background()
	store := hotelStore()
	profiles := fakeProfiles{"u1": {UserID: "u1", TotalBookings: 10, CancellationRatio: 0.12, AverageLeadTimeDays: 21}}
	c := NewComparator(profiles, store, WithCache(cache.NewLRUCache(100), time.Minute), WithClock(clock))

	first, err := c.Compare(ctx, "u1")
	require.NoError(t, err)
	second, err := c.Compare(ctx, "u1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, store.gets.Load(), "second compare should be served from cache")
	assert.Equal(t, first.SimilarityScore, second.SimilarityScore)

	replacement := domain.BaselineDataset{Source: "custom", MeanLeadTimeDays: 42, CancellationRatio: 0.12, SampleSize: 100}
	require.NoError(t, c.Replace(ctx, &replacement))

	third, err := c.Compare(ctx, "u1")
	require.NoError(t, err)
	assert.Less(t, third.SimilarityScore, first.SimilarityScore)
	assert.Equal(t, fixedNow, store.d.ImportedAt)
}

func TestReplaceValidates(t *testing.T) {
	c := NewComparator(fakeProfiles{}, &fakeStore{})

	err := c.Replace(context.Background(), &domain.BaselineDataset{SampleSize: 0})
	assert.ErrorIs(t, err, domain.ErrInputInvalid)

	err = c.Replace(context.Background(), &domain.BaselineDataset{SampleSize: 5, CancellationRatio: 1.5})
	assert.ErrorIs(t, err, domain.ErrInputInvalid)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	c := NewComparator(fakeProfiles{}, store, WithClock(clock))

	seeded, err := c.Seed(ctx)
	require.NoError(t, err)
	assert.True(t, seeded)
	require.NotNil(t, store.d)
	assert.Equal(t, 36275, store.d.SampleSize)
	assert.Equal(t, fixedNow, store.d.ImportedAt)

	seeded, err = c.Seed(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestDatasetMissing(t *testing.T) {
	c := NewComparator(fakeProfiles{}, &fakeStore{})
	_, err := c.Dataset(context.Background())
	assert.True(t, errors.Is(err, domain.ErrBaselineUnavailable))
}
