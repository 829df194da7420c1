package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// CustomRules holds the operator-defined CEL rules scored with the booking
// pattern group. Safe for concurrent use; reloads swap the whole set.
type CustomRules struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledRule
}

type compiledRule struct {
	rule    *domain.CustomRule
	program cel.Program
}

// Hit is one custom rule that fired, with the share of its weight it earned.
type Hit struct {
	Rule     *domain.CustomRule
	Fraction float64
}

// NewCustomRules creates an empty rule set with the feature variables declared.
func NewCustomRules() (*CustomRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("lead_time", cel.DoubleType),
		cel.Variable("stay_nights", cel.DoubleType),
		cel.Variable("adults", cel.DoubleType),
		cel.Variable("children", cel.DoubleType),
		cel.Variable("party_size", cel.DoubleType),
		cel.Variable("price", cel.DoubleType),
		cel.Variable("price_per_person", cel.DoubleType),
		cel.Variable("market_segment", cel.StringType),
		cel.Variable("special_requests", cel.DoubleType),
		cel.Variable("minutes_since_booking", cel.DoubleType),
		cel.Variable("days_before_departure", cel.DoubleType),
		cel.Variable("cancellation_ratio", cel.DoubleType),
		cel.Variable("cancellations_24h", cel.IntType),
		cel.Variable("cancellations_7d", cel.IntType),
		cel.Variable("total_cancellations", cel.IntType),
		cel.Variable("total_bookings", cel.IntType),
		cel.Variable("distinct_properties_cancelled", cel.IntType),
		cel.Variable("short_lead_bookings", cel.IntType),
		cel.Variable("party_size_variance", cel.DoubleType),
		cel.Variable("mean_hours_between_cancellations", cel.DoubleType),
		cel.Variable("reason_score", cel.DoubleType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("country", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CustomRules{env: env}, nil
}

// Validate compiles a rule without loading it.
func (c *CustomRules) Validate(rule *domain.CustomRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInputInvalid)
	}
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInputInvalid)
	}
	if rule.Weight < 0 || math.IsNaN(rule.Weight) || math.IsInf(rule.Weight, 0) {
		return fmt.Errorf("%w: rule %s: weight must be a non-negative number", domain.ErrInputInvalid, rule.ID)
	}
	_, err := c.compile(rule)
	return err
}

// Reload replaces the loaded set with the enabled rules. Nothing changes if
// any rule fails to compile.
func (c *CustomRules) Reload(rules []*domain.CustomRule) error {
	next := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		cr, err := c.compile(r)
		if err != nil {
			return err
		}
		next = append(next, cr)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].rule.ID < next[j].rule.ID })

	c.mu.Lock()
	c.compiled = next
	c.mu.Unlock()
	return nil
}

// Loaded returns the rules currently in effect, ordered by ID.
func (c *CustomRules) Loaded() []*domain.CustomRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*domain.CustomRule, 0, len(c.compiled))
	for _, cr := range c.compiled {
		out = append(out, cr.rule)
	}
	return out
}

// Count returns the number of loaded rules.
func (c *CustomRules) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// Evaluate runs every loaded rule against fv in ID order. A rule that errors
// at evaluation time is skipped.
func (c *CustomRules) Evaluate(fv *domain.FeatureVector) []Hit {
	c.mu.RLock()
	rules := c.compiled
	c.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := activationFor(fv)
	var hits []Hit
	for _, cr := range rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			continue
		}
		if f := toFraction(out); f > 0 {
			hits = append(hits, Hit{Rule: cr.rule, Fraction: f})
		}
	}
	return hits
}

func (c *CustomRules) compile(rule *domain.CustomRule) (*compiledRule, error) {
	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInputInvalid, rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DoubleType) && !outputType.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrInputInvalid, rule.ID, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &compiledRule{rule: rule, program: program}, nil
}

func activationFor(fv *domain.FeatureVector) map[string]any {
	return map[string]any{
		"lead_time":                        fv.LeadTimeDays,
		"stay_nights":                      fv.StayNights,
		"adults":                           fv.Adults,
		"children":                         fv.Children,
		"party_size":                       fv.PartySize,
		"price":                            fv.Price,
		"price_per_person":                 fv.PricePerPerson,
		"market_segment":                   fv.MarketSegment,
		"special_requests":                 fv.SpecialRequests,
		"minutes_since_booking":            fv.MinutesSinceBooking,
		"days_before_departure":            fv.DaysBeforeDeparture,
		"cancellation_ratio":               fv.CancellationRatio,
		"cancellations_24h":                int64(fv.CancellationsLast24h),
		"cancellations_7d":                 int64(fv.CancellationsLast7d),
		"total_cancellations":              int64(fv.TotalCancellations),
		"total_bookings":                   int64(fv.TotalBookings),
		"distinct_properties_cancelled":    int64(fv.DistinctPropertiesCancelled),
		"short_lead_bookings":              int64(fv.ShortLeadTimeBookings),
		"party_size_variance":              fv.PartySizeVariance,
		"mean_hours_between_cancellations": fv.MeanHoursBetweenCancellations,
		"reason_score":                     fv.ReasonScore,
		"event_type":                       fv.EventType,
		"country":                          fv.Country,
	}
}

// toFraction maps a CEL result onto [0,1]: true is 1, numbers are clamped.
func toFraction(val ref.Val) float64 {
	var f float64
	switch v := val.(type) {
	case types.Bool:
		if v {
			f = 1
		}
	case types.Double:
		f = float64(v)
	case types.Int:
		f = float64(v)
	}
	if math.IsNaN(f) {
		return 0
	}
	return math.Min(math.Max(f, 0), 1)
}
