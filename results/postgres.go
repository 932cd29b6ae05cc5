package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS epoch_results (
		run_id VARCHAR(64) NOT NULL,
		peer BIGINT NOT NULL,
		epoch BIGINT NOT NULL,
		sybil BOOLEAN NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL,
		loss DOUBLE PRECISION NOT NULL,
		attack_success DOUBLE PRECISION,
		aggregated INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (run_id, peer, epoch, created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_epoch_results_run ON epoch_results(run_id);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) SaveEpoch(runID string, r protocol.EpochResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var attack sql.NullFloat64
	if r.AttackSuccess != nil {
		attack = sql.NullFloat64{Float64: *r.AttackSuccess, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO epoch_results
		(run_id, peer, epoch, sybil, accuracy, loss, attack_success, aggregated, duration_ms, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		runID,
		int64(r.Peer),
		int64(r.Epoch),
		r.Sybil,
		r.Accuracy,
		r.Loss,
		attack,
		r.Aggregated,
		r.Duration.Milliseconds(),
		r.Err,
	)
	return err
}

func (s *PostgresStore) LoadRun(runID string) ([]protocol.EpochResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT peer, epoch, sybil, accuracy, loss, attack_success, aggregated, duration_ms, error
		FROM epoch_results
		WHERE run_id = $1
		ORDER BY epoch, peer, created_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.EpochResult
	for rows.Next() {
		var (
			r          protocol.EpochResult
			peer       int64
			epoch      int64
			attack     sql.NullFloat64
			durationMs int64
		)

		if err := rows.Scan(&peer, &epoch, &r.Sybil, &r.Accuracy, &r.Loss, &attack, &r.Aggregated, &durationMs, &r.Err); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		r.Peer = protocol.PeerID(peer)
		r.Epoch = protocol.Epoch(epoch)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if attack.Valid {
			rate := attack.Float64
			r.AttackSuccess = &rate
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
