// Package mlclient talks to the external learned-model scoring service.
package mlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/health"
)

var tracer = otel.Tracer("keelguard-mlclient")

// Client calls POST /predict on the model service. It never retries: every
// failure is reported to the circuit breaker as is.
type Client struct {
	http         *resty.Client
	timeout      time.Duration
	probeTimeout time.Duration
}

// New creates a client for cfg.BaseURL.
func New(cfg domain.ModelConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)

	return &Client{
		http:         rc,
		timeout:      timeout,
		probeTimeout: probeTimeout,
	}
}

// PredictRequest is the body of POST /predict. It carries the hotel-dataset
// field names the model was trained on plus the booking platform's own names.
type PredictRequest struct {
	UserID    string `json:"userId,omitempty"`
	BookingID string `json:"bookingId,omitempty"`

	LeadTime                         float64 `json:"lead_time"`
	NoOfAdults                       float64 `json:"no_of_adults"`
	NoOfChildren                     float64 `json:"no_of_children"`
	NoOfWeekNights                   float64 `json:"no_of_week_nights"`
	AvgPricePerRoom                  float64 `json:"avg_price_per_room"`
	NoOfPreviousCancellations        int     `json:"no_of_previous_cancellations"`
	NoOfPreviousBookingsNotCancelled int     `json:"no_of_previous_bookings_not_canceled"`
	NoOfSpecialRequests              float64 `json:"no_of_special_requests"`
	MarketSegmentType                string  `json:"market_segment_type,omitempty"`
	RepeatedGuest                    int     `json:"repeated_guest"`

	LeadTimeDays                  float64 `json:"leadTime"`
	CancellationRatio             float64 `json:"cancellationRatio"`
	CancellationsLast24Hours      int     `json:"cancellationsLast24Hours"`
	CancellationsLast7Days        int     `json:"cancellationsLast7Days"`
	TimeSinceBooking              float64 `json:"timeSinceBooking"`
	DaysBeforeDeparture           float64 `json:"daysBeforeDeparture"`
	PartySizeVariance             float64 `json:"partySizeVariance"`
	MeanHoursBetweenCancellations float64 `json:"meanHoursBetweenCancellations"`
	DistinctPropertiesCancelled   int     `json:"distinctPropertiesCancelled"`
	PricePerPerson                float64 `json:"pricePerPerson"`
	ReasonScore                   float64 `json:"reasonScore"`
}

// NewPredictRequest maps a feature vector onto the model contract.
func NewPredictRequest(fv *domain.FeatureVector) PredictRequest {
	repeated := 0
	if fv.TotalBookings > 0 {
		repeated = 1
	}
	return PredictRequest{
		UserID:                           fv.UserID,
		BookingID:                        fv.BookingID,
		LeadTime:                         fv.LeadTimeDays,
		NoOfAdults:                       fv.Adults,
		NoOfChildren:                     fv.Children,
		NoOfWeekNights:                   fv.StayNights,
		AvgPricePerRoom:                  fv.Price,
		NoOfPreviousCancellations:        fv.TotalCancellations,
		NoOfPreviousBookingsNotCancelled: fv.PreviousBookingsNotCanceled,
		NoOfSpecialRequests:              fv.SpecialRequests,
		MarketSegmentType:                fv.MarketSegment,
		RepeatedGuest:                    repeated,
		LeadTimeDays:                     fv.LeadTimeDays,
		CancellationRatio:                fv.CancellationRatio,
		CancellationsLast24Hours:         fv.CancellationsLast24h,
		CancellationsLast7Days:           fv.CancellationsLast7d,
		TimeSinceBooking:                 fv.MinutesSinceBooking,
		DaysBeforeDeparture:              fv.DaysBeforeDeparture,
		PartySizeVariance:                fv.PartySizeVariance,
		MeanHoursBetweenCancellations:    fv.MeanHoursBetweenCancellations,
		DistinctPropertiesCancelled:      fv.DistinctPropertiesCancelled,
		PricePerPerson:                   fv.PricePerPerson,
		ReasonScore:                      fv.ReasonScore,
	}
}

// predictResponse accepts every probability and evidence field name the
// model service has used.
type predictResponse struct {
	FraudProbabilitySnake *float64          `json:"fraud_probability"`
	FraudProbability      *float64          `json:"fraudProbability"`
	Probability           *float64          `json:"probability"`
	Indicators            []string          `json:"indicators"`
	Factors               []string          `json:"factors"`
	Signals               []json.RawMessage `json:"signals"`
	RiskLevel             string            `json:"risk_level"`
	RiskLevelCamel        string            `json:"riskLevel"`
}

// Predict scores fv with the learned model. Any failure wraps
// domain.ErrScorerUnavailable.
func (c *Client) Predict(ctx context.Context, fv *domain.FeatureVector) (domain.ScorerResult, error) {
	ctx, span := tracer.Start(ctx, "mlclient.Predict",
		trace.WithAttributes(attribute.String("user_id", fv.UserID)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(NewPredictRequest(fv)).
		Post("/predict")
	if err != nil {
		return c.fail(span, fmt.Errorf("%w: %v", domain.ErrScorerUnavailable, err))
	}
	if resp.IsError() {
		return c.fail(span, fmt.Errorf("%w: model service returned %d", domain.ErrScorerUnavailable, resp.StatusCode()))
	}

	result, err := decodePrediction(resp.Body())
	if err != nil {
		return c.fail(span, err)
	}
	span.SetAttributes(attribute.Float64("probability", result.Probability))
	return result, nil
}

func (c *Client) fail(span trace.Span, err error) (domain.ScorerResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return domain.ScorerResult{}, err
}

func decodePrediction(body []byte) (domain.ScorerResult, error) {
	var pr predictResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return domain.ScorerResult{}, fmt.Errorf("%w: invalid response body: %v", domain.ErrScorerUnavailable, err)
	}

	var p *float64
	for _, candidate := range []*float64{pr.FraudProbabilitySnake, pr.FraudProbability, pr.Probability} {
		if candidate != nil {
			p = candidate
			break
		}
	}
	if p == nil {
		return domain.ScorerResult{}, fmt.Errorf("%w: response has no probability", domain.ErrScorerUnavailable)
	}
	if math.IsNaN(*p) || *p < 0 || *p > 1 {
		return domain.ScorerResult{}, fmt.Errorf("%w: probability %v out of range", domain.ErrScorerUnavailable, *p)
	}

	indicators := make([]string, 0, len(pr.Indicators)+len(pr.Factors)+len(pr.Signals))
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		indicators = append(indicators, s)
	}
	for _, s := range pr.Indicators {
		add(s)
	}
	for _, s := range pr.Factors {
		add(s)
	}
	for _, raw := range pr.Signals {
		add(signalMessage(raw))
	}

	level := pr.RiskLevel
	if level == "" {
		level = pr.RiskLevelCamel
	}

	return domain.ScorerResult{
		Probability: *p,
		Indicators:  indicators,
		Source:      domain.SourceLearnedModel,
		RiskLevel:   level,
	}, nil
}

// signalMessage reads a signal given either as a string or as an object with a message.
func signalMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

type statusResponse struct {
	Status string `json:"status"`
}

// Status checks GET /status and falls back to GET /health.
func (c *Client) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	_, _, err := health.NewChain[struct{}]().
		Then("status", c.checkStatus).
		Then("health", c.checkHealth).
		Run(ctx)
	return err
}

func (c *Client) checkStatus(ctx context.Context) (struct{}, error) {
	var out statusResponse
	resp, err := c.http.R().SetContext(ctx).Get("/status")
	if err != nil {
		return struct{}{}, err
	}
	if resp.IsError() {
		return struct{}{}, fmt.Errorf("status returned %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return struct{}{}, fmt.Errorf("invalid status body: %w", err)
	}
	if out.Status != "active" {
		return struct{}{}, fmt.Errorf("unexpected status %q", out.Status)
	}
	return struct{}{}, nil
}

func (c *Client) checkHealth(ctx context.Context) (struct{}, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return struct{}{}, err
	}
	if resp.IsError() {
		return struct{}{}, fmt.Errorf("health returned %d", resp.StatusCode())
	}
	return struct{}{}, nil
}
