// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/keelguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInputInvalid
)

const defaultBaselineID = "default"

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and with PostgreSQL through lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "pgx":
		db, err = openPostgres(cfg, cfg.Driver)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveProfile upserts a profile together with its accumulator state.
func (r *SQLRepository) SaveProfile(ctx context.Context, rec *domain.ProfileRecord) error {
	if rec == nil || rec.Profile.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}

	profile, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	state := string(rec.State)
	if state == "" {
		state = "{}"
	}

	query := `
		INSERT INTO fraud_profiles (user_id, profile, state, risk_score, is_flagged, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			profile = excluded.profile,
			state = excluded.state,
			risk_score = excluded.risk_score,
			is_flagged = excluded.is_flagged,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.Profile.UserID, string(profile), state,
		rec.Profile.RiskScore, boolInt(rec.Profile.IsFlagged),
		rec.Profile.UpdatedAt.UTC(),
	)
	return err
}

// GetProfile loads a stored profile.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.ProfileRecord, error) {
	query := `SELECT profile, state FROM fraud_profiles WHERE user_id = ?`

	var profile, state string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&profile, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &domain.ProfileRecord{State: json.RawMessage(state)}
	if err := json.Unmarshal([]byte(profile), &rec.Profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", userID, err)
	}
	return rec, nil
}

// ListProfileIDs returns every stored user, most recently updated first.
func (r *SQLRepository) ListProfileIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM fraud_profiles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveEvent appends an event to the log and reports whether it was new.
// Saving an id twice is a no-op.
func (r *SQLRepository) SaveEvent(ctx context.Context, ev *domain.BookingEvent) (bool, error) {
	if ev == nil || ev.ID == "" || ev.UserID == "" {
		return false, fmt.Errorf("%w: event id and userId are required", ErrInvalidInput)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	query := `
		INSERT INTO booking_events (id, user_id, booking_id, property_id, type, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.UserID, ev.BookingID, ev.PropertyID, string(ev.Type),
		ev.OccurredAt.UTC(), string(payload),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteEvent removes an event from the log. Deleting a missing id is a no-op.
func (r *SQLRepository) DeleteEvent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM booking_events WHERE id = ?`), id)
	return err
}

// ListEvents returns a user's events, oldest first.
func (r *SQLRepository) ListEvents(ctx context.Context, userID string) ([]*domain.BookingEvent, error) {
	query := `
		SELECT payload FROM booking_events
		WHERE user_id = ?
		ORDER BY occurred_at ASC, id ASC
	`
	return r.queryEvents(ctx, r.rebind(query), userID)
}

// GetLatestEventForBooking returns the most recent event recorded for a booking.
func (r *SQLRepository) GetLatestEventForBooking(ctx context.Context, bookingID string) (*domain.BookingEvent, error) {
	query := `
		SELECT payload FROM booking_events
		WHERE booking_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`
	events, err := r.queryEvents(ctx, r.rebind(query), bookingID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

// ListCancellations returns cancellations newest first. An empty userID
// lists every user's cancellations. limit <= 0 means no limit.
func (r *SQLRepository) ListCancellations(ctx context.Context, userID string, limit int) ([]*domain.BookingEvent, error) {
	query := `SELECT payload FROM booking_events WHERE type = ?`
	args := []any{string(domain.EventCancelled)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	return r.queryEvents(ctx, r.rebind(query), args...)
}

func (r *SQLRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*domain.BookingEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.BookingEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev domain.BookingEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveBaseline replaces the reference dataset.
func (r *SQLRepository) SaveBaseline(ctx context.Context, d *domain.BaselineDataset) error {
	if d == nil {
		return fmt.Errorf("%w: baseline is required", ErrInvalidInput)
	}
	importedAt := d.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now()
	}

	query := `
		INSERT INTO baselines (
			id, source, mean_lead_time_days, cancellation_ratio,
			mean_days_before_departure, adult_child_ratio, sample_size, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			mean_lead_time_days = excluded.mean_lead_time_days,
			cancellation_ratio = excluded.cancellation_ratio,
			mean_days_before_departure = excluded.mean_days_before_departure,
			adult_child_ratio = excluded.adult_child_ratio,
			sample_size = excluded.sample_size,
			imported_at = excluded.imported_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		defaultBaselineID, d.Source, d.MeanLeadTimeDays, d.CancellationRatio,
		d.MeanDaysBeforeDeparture, d.AdultChildRatio, d.SampleSize, importedAt.UTC(),
	)
	return err
}

// GetBaseline returns the reference dataset.
func (r *SQLRepository) GetBaseline(ctx context.Context) (*domain.BaselineDataset, error) {
	query := `
		SELECT source, mean_lead_time_days, cancellation_ratio,
			   mean_days_before_departure, adult_child_ratio, sample_size, imported_at
		FROM baselines
		WHERE id = ?
	`

	var d domain.BaselineDataset
	err := r.db.QueryRowContext(ctx, r.rebind(query), defaultBaselineID).Scan(
		&d.Source, &d.MeanLeadTimeDays, &d.CancellationRatio,
		&d.MeanDaysBeforeDeparture, &d.AdultChildRatio, &d.SampleSize, &d.ImportedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveCustomRule upserts a CEL custom rule.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, rule *domain.CustomRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	created := rule.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO custom_rules (id, description, expression, weight, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Description, rule.Expression, rule.Weight, boolInt(rule.Enabled),
		created.UTC(), now,
	)
	return err
}

// ListCustomRules returns every stored rule, enabled or not, ordered by id.
func (r *SQLRepository) ListCustomRules(ctx context.Context) ([]*domain.CustomRule, error) {
	query := `
		SELECT id, description, expression, weight, enabled, created_at, updated_at
		FROM custom_rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.CustomRule
	for rows.Next() {
		var rule domain.CustomRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &description, &rule.Expression, &rule.Weight, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
