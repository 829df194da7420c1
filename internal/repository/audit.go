package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/keelguard/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// SaveAssessment appends an assessment to the audit trail.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if a == nil || a.ID == "" || a.UserID == "" {
		return fmt.Errorf("%w: assessment id and userId are required", ErrInvalidInput)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			id, user_id, booking_id, event_id, probability, tier, high_risk, source, assessed_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.UserID, a.BookingID, a.EventID,
		a.Probability, string(a.Tier), boolInt(a.HighRisk), string(a.Source),
		a.AssessedAt.UTC(), string(payload),
	)
	return err
}

// ListAssessments returns a user's assessments, newest first.
func (r *SQLRepository) ListAssessments(ctx context.Context, userID string, limit int) ([]*domain.RiskAssessment, error) {
	query := `
		SELECT payload FROM risk_assessments
		WHERE user_id = ?
		ORDER BY assessed_at DESC, id DESC
	`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskAssessment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a domain.RiskAssessment
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("failed to parse assessment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountAssessmentsSince counts assessments made at or after since.
func (r *SQLRepository) CountAssessmentsSince(ctx context.Context, since time.Time, highRiskOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM risk_assessments WHERE assessed_at >= ?`
	if highRiskOnly {
		query += ` AND high_risk = 1`
	}

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count assessments: %w", err)
	}
	return n, nil
}

// DailyAssessmentCounts buckets assessments made since the given time by UTC
// day, oldest day first. Bucketing happens here so the query stays portable.
func (r *SQLRepository) DailyAssessmentCounts(ctx context.Context, since time.Time) ([]domain.DailyCount, error) {
	query := `SELECT assessed_at, high_risk FROM risk_assessments WHERE assessed_at >= ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make(map[string]*domain.DailyCount)
	for rows.Next() {
		var at time.Time
		var high int
		if err := rows.Scan(&at, &high); err != nil {
			return nil, err
		}
		day := at.UTC().Format(time.DateOnly)
		b, ok := buckets[day]
		if !ok {
			b = &domain.DailyCount{Day: day}
			buckets[day] = b
		}
		b.Count++
		if high == 1 {
			b.HighRisk++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.DailyCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}
