package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// ServiceClient calls the external comparison service behind a circuit
// breaker, so a dead service costs one fast failure instead of a timeout per
// request.
type ServiceClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewServiceClient creates a client for cfg.ServiceURL. It returns nil when
// no URL is configured.
func NewServiceClient(cfg domain.BaselineConfig, logger *slog.Logger) *ServiceClient {
	if cfg.ServiceURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ServiceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ServiceURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "comparison-service",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("comparison service breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &ServiceClient{http: rc, breaker: cb, timeout: timeout}
}

// ServiceRequest is the body of POST /compare-hotel-patterns.
type ServiceRequest struct {
	UserID      string             `json:"userId"`
	UserProfile ServiceUserProfile `json:"userProfile"`
}

// ServiceUserProfile is the slice of a fraud profile the service compares.
type ServiceUserProfile struct {
	CancellationRatio  float64 `json:"cancellationRatio"`
	TotalCancellations int     `json:"totalCancellations"`
	TotalBookings      int     `json:"totalBookings"`
	AverageLeadTime    float64 `json:"averageLeadTime"`
}

type serviceResponse struct {
	SimilarityScore *float64 `json:"similarityScore"`
	IsSuspicious    *bool    `json:"isSuspicious"`
	Recommendation  string   `json:"recommendation"`
	Message         string   `json:"message"`
	PatternMatches  []string `json:"patternMatches"`
	DataPoints      struct {
		User     *domain.ComparedStats `json:"user"`
		Industry *domain.ComparedStats `json:"industry"`
		Hotel    *domain.ComparedStats `json:"hotel"`
	} `json:"dataPoints"`
}

// State reports the breaker state.
func (c *ServiceClient) State() gobreaker.State {
	return c.breaker.State()
}

// Compare asks the service to compare stats with its own reference data.
func (c *ServiceClient) Compare(ctx context.Context, userID string, stats domain.ComparedStats) (*domain.BaselineComparison, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, userID, stats)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: comparison service %v", domain.ErrBaselineUnavailable, err)
		}
		return nil, err
	}
	return out.(*domain.BaselineComparison), nil
}

func (c *ServiceClient) call(ctx context.Context, userID string, stats domain.ComparedStats) (*domain.BaselineComparison, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ServiceRequest{
			UserID: userID,
			UserProfile: ServiceUserProfile{
				CancellationRatio:  stats.CancellationRatio,
				TotalCancellations: stats.TotalCancellations,
				TotalBookings:      stats.TotalBookings,
				AverageLeadTime:    stats.MeanLeadTimeDays,
			},
		}).
		Post("/compare-hotel-patterns")
	if err != nil {
		return nil, fmt.Errorf("comparison service request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("comparison service returned %d", resp.StatusCode())
	}
	return decodeServiceResponse(resp.Body(), userID, stats)
}

func decodeServiceResponse(body []byte, userID string, stats domain.ComparedStats) (*domain.BaselineComparison, error) {
	var sr serviceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("invalid comparison response: %w", err)
	}
	if sr.SimilarityScore == nil {
		return nil, errors.New("comparison response has no similarityScore")
	}

	score := clamp(*sr.SimilarityScore, 0, 100)
	cmp := verdict(userID, score)
	if sr.IsSuspicious != nil {
		cmp.IsSuspicious = *sr.IsSuspicious
	}
	if sr.Recommendation != "" {
		cmp.Recommendation = sr.Recommendation
	}
	cmp.PatternMatches = sr.PatternMatches
	if len(cmp.PatternMatches) == 0 && sr.Message != "" {
		cmp.PatternMatches = []string{sr.Message}
	}

	user := stats
	if sr.DataPoints.User != nil {
		user = *sr.DataPoints.User
	}
	ref := sr.DataPoints.Industry
	if ref == nil {
		ref = sr.DataPoints.Hotel
	}
	if ref != nil {
		cmp.DataPoints = &domain.BaselineDataPoints{User: user, Baseline: *ref}
	}
	return cmp, nil
}
