package repository

// Schema definitions for the keelguard database.
// Compatible with both SQLite and PostgreSQL.

const schemaFraudProfiles = `
CREATE TABLE IF NOT EXISTS fraud_profiles (
    user_id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    state TEXT NOT NULL,
    risk_score REAL NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_profiles_updated ON fraud_profiles(updated_at);
CREATE INDEX IF NOT EXISTS idx_fraud_profiles_risk ON fraud_profiles(risk_score);
CREATE INDEX IF NOT EXISTS idx_fraud_profiles_flagged ON fraud_profiles(is_flagged);
`

const schemaBookingEvents = `
CREATE TABLE IF NOT EXISTS booking_events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    booking_id TEXT,
    property_id TEXT,
    type TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_booking_events_user ON booking_events(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_booking_events_booking ON booking_events(booking_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_booking_events_type ON booking_events(type, occurred_at);
`

// schemaRiskAssessments is the audit trail. The full assessment is kept as
// JSON; the columns are the ones statistics filter on.
const schemaRiskAssessments = `
CREATE TABLE IF NOT EXISTS risk_assessments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    booking_id TEXT,
    event_id TEXT,
    probability REAL NOT NULL,
    tier TEXT NOT NULL,
    high_risk INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    assessed_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_assessments_user ON risk_assessments(user_id, assessed_at);
CREATE INDEX IF NOT EXISTS idx_risk_assessments_time ON risk_assessments(assessed_at);
`

const schemaBaselines = `
CREATE TABLE IF NOT EXISTS baselines (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    mean_lead_time_days REAL NOT NULL,
    cancellation_ratio REAL NOT NULL,
    mean_days_before_departure REAL NOT NULL,
    adult_child_ratio REAL NOT NULL,
    sample_size INTEGER NOT NULL,
    imported_at TIMESTAMP NOT NULL
);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT PRIMARY KEY,
    description TEXT,
    expression TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFraudProfiles,
		schemaBookingEvents,
		schemaRiskAssessments,
		schemaBaselines,
		schemaCustomRules,
	}
}
