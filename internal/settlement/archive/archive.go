// Package archive persists settlements leaving the active working set to
// PostgreSQL. It is disabled by default; archival stays memory-only until a
// DSN is configured.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/domain"
)

// Config holds archive database settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns pool defaults. Disabled until explicitly configured.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Repo writes archived settlements to Postgres. It satisfies settlement.Sink.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the archive database and verifies the connection.
func Open(cfg Config) (*Repo, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}

	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("settlement archive connected")
	return &Repo{db: db, timeout: timeout}, nil
}

// Migrate creates the archive schema when missing.
func (r *Repo) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS prop_settlements (
			id BIGSERIAL PRIMARY KEY,
			settlement_id UUID UNIQUE NOT NULL,
			prop_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			confidence VARCHAR(16),
			outcome VARCHAR(16),
			source VARCHAR(32),
			actual_value DOUBLE PRECISION NOT NULL,
			line DOUBLE PRECISION NOT NULL,
			side VARCHAR(8),
			dispute JSONB,
			audit JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prop_settlements_prop_id ON prop_settlements(prop_id)`,
		`CREATE INDEX IF NOT EXISTS idx_prop_settlements_archived_at ON prop_settlements(archived_at)`,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("archive migration failed: %w", err)
		}
	}
	return nil
}

// Archive inserts one settlement record. Re-archiving the same settlement is
// an idempotent no-op so a retried archive pass cannot fail on duplicates.
func (r *Repo) Archive(ctx context.Context, s *domain.Settlement) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	disputeJSON, err := json.Marshal(s.Dispute)
	if err != nil {
		return fmt.Errorf("failed to marshal dispute: %w", err)
	}
	auditJSON, err := json.Marshal(s.Audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}

	settledAt := sql.NullTime{Time: s.SettledAt, Valid: !s.SettledAt.IsZero()}

	query := `
		INSERT INTO prop_settlements
			(settlement_id, prop_id, status, confidence, outcome, source,
			 actual_value, line, side, dispute, audit, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.ExecContext(ctx, query,
		s.SettlementID, s.PropID, s.Status, s.Confidence, s.Outcome, s.Source,
		s.ActualValue, s.Line, s.Side, disputeJSON, auditJSON, s.CreatedAt, settledAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			log.Debug().Str("settlement_id", s.SettlementID).Msg("settlement already archived")
			return nil
		}
		return fmt.Errorf("failed to archive settlement: %w", err)
	}

	return nil
}

type settlementRow struct {
	SettlementID string         `db:"settlement_id"`
	PropID       string         `db:"prop_id"`
	Status       string         `db:"status"`
	Confidence   sql.NullString `db:"confidence"`
	Outcome      sql.NullString `db:"outcome"`
	Source       sql.NullString `db:"source"`
	ActualValue  float64        `db:"actual_value"`
	Line         float64        `db:"line"`
	Side         sql.NullString `db:"side"`
	Dispute      []byte         `db:"dispute"`
	Audit        []byte         `db:"audit"`
	CreatedAt    time.Time      `db:"created_at"`
	SettledAt    sql.NullTime   `db:"settled_at"`
}

// ListByProp returns archived settlements for a prop, oldest first.
func (r *Repo) ListByProp(ctx context.Context, propID string) ([]*domain.Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT settlement_id, prop_id, status, confidence, outcome, source,
		       actual_value, line, side, dispute, audit, created_at, settled_at
		FROM prop_settlements
		WHERE prop_id = $1
		ORDER BY created_at ASC`

	var rows []settlementRow
	if err := r.db.SelectContext(ctx, &rows, query, propID); err != nil {
		return nil, fmt.Errorf("failed to list archived settlements: %w", err)
	}

	out := make([]*domain.Settlement, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (row settlementRow) toDomain() (*domain.Settlement, error) {
	s := &domain.Settlement{
		SettlementID: row.SettlementID,
		PropID:       row.PropID,
		Status:       domain.SettlementStatus(row.Status),
		Confidence:   domain.Confidence(row.Confidence.String),
		Outcome:      domain.Outcome(row.Outcome.String),
		Source:       domain.SettlementSource(row.Source.String),
		ActualValue:  row.ActualValue,
		Line:         row.Line,
		Side:         domain.Side(row.Side.String),
		CreatedAt:    row.CreatedAt,
	}
	if row.SettledAt.Valid {
		s.SettledAt = row.SettledAt.Time
	}
	if len(row.Dispute) > 0 && string(row.Dispute) != "null" {
		if err := json.Unmarshal(row.Dispute, &s.Dispute); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
	}
	if len(row.Audit) > 0 && string(row.Audit) != "null" {
		if err := json.Unmarshal(row.Audit, &s.Audit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit trail: %w", err)
		}
	}
	return s, nil
}

// Close releases the connection pool.
func (r *Repo) Close() error {
	return r.db.Close()
}
