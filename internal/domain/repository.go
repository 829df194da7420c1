// Package domain defines the core types and interfaces for keelguard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Fraud profiles
	SaveProfile(ctx context.Context, rec *ProfileRecord) error
	GetProfile(ctx context.Context, userID string) (*ProfileRecord, error)
	ListProfileIDs(ctx context.Context) ([]string, error)

	// Booking event log
	SaveEvent(ctx context.Context, event *BookingEvent) (inserted bool, err error)
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context, userID string) ([]*BookingEvent, error)
	GetLatestEventForBooking(ctx context.Context, bookingID string) (*BookingEvent, error)
	ListCancellations(ctx context.Context, userID string, limit int) ([]*BookingEvent, error)

	// Assessment audit trail
	SaveAssessment(ctx context.Context, a *RiskAssessment) error
	ListAssessments(ctx context.Context, userID string, limit int) ([]*RiskAssessment, error)
	CountAssessmentsSince(ctx context.Context, since time.Time, highRiskOnly bool) (int, error)
	DailyAssessmentCounts(ctx context.Context, since time.Time) ([]DailyCount, error)

	// Baseline reference data
	SaveBaseline(ctx context.Context, d *BaselineDataset) error
	GetBaseline(ctx context.Context) (*BaselineDataset, error)

	// Custom rules
	SaveCustomRule(ctx context.Context, rule *CustomRule) error
	ListCustomRules(ctx context.Context) ([]*CustomRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DailyCount is one day of assessment activity.
type DailyCount struct {
	Day      string `json:"day"`
	Count    int    `json:"count"`
	HighRisk int    `json:"highRisk"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
