package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gemchat-go/internal/keypool"
	"gemchat-go/internal/migrations"

	pq "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresStore persists key state in a key_state table, one row per
// fingerprint. Schema management goes through the embedded migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL state store")
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Initialize(ctx context.Context) error {
	if err := migrations.PostgresUp(p.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("PostgreSQL migrations applied")
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) SaveKeyState(ctx context.Context, snaps []keypool.KeySnapshot) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO key_state (fingerprint, state, cooldown_until, consecutive_errors,
                               success_count, error_count, last_error, avg_response_ms,
                               last_used, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
        ON CONFLICT (fingerprint)
        DO UPDATE SET state = EXCLUDED.state,
                      cooldown_until = EXCLUDED.cooldown_until,
                      consecutive_errors = EXCLUDED.consecutive_errors,
                      success_count = EXCLUDED.success_count,
                      error_count = EXCLUDED.error_count,
                      last_error = EXCLUDED.last_error,
                      avg_response_ms = EXCLUDED.avg_response_ms,
                      last_used = EXCLUDED.last_used,
                      updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	fingerprints := make([]string, 0, len(snaps))
	for _, s := range snaps {
		fingerprints = append(fingerprints, s.Fingerprint)
		if _, err := stmt.ExecContext(ctx, s.Fingerprint, s.State,
			nullableTime(s.CooldownUntil), s.ConsecutiveErrors,
			s.SuccessCount, s.ErrorCount, s.LastError, s.AvgResponseMs,
			nullableTime(s.LastUsed)); err != nil {
			return fmt.Errorf("upsert key state %s: %w", s.Fingerprint, err)
		}
	}

	// Drop rows for keys that left the pool.
	if len(fingerprints) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM key_state"); err != nil {
			return fmt.Errorf("prune key state: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM key_state WHERE NOT (fingerprint = ANY($1))",
			pq.Array(fingerprints)); err != nil {
			return fmt.Errorf("prune key state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadKeyState(ctx context.Context) ([]keypool.KeySnapshot, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
        SELECT fingerprint, state, cooldown_until, consecutive_errors,
               success_count, error_count, last_error, avg_response_ms, last_used
        FROM key_state ORDER BY fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("query key state: %w", err)
	}
	defer rows.Close()

	var snaps []keypool.KeySnapshot
	for rows.Next() {
		var s keypool.KeySnapshot
		var cooldownUntil, lastUsed sql.NullTime
		if err := rows.Scan(&s.Fingerprint, &s.State, &cooldownUntil,
			&s.ConsecutiveErrors, &s.SuccessCount, &s.ErrorCount,
			&s.LastError, &s.AvgResponseMs, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan key state row: %w", err)
		}
		if cooldownUntil.Valid {
			t := cooldownUntil.Time
			s.CooldownUntil = &t
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			s.LastUsed = &t
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("key state rows: %w", err)
	}
	if len(snaps) == 0 {
		return nil, &ErrNotFound{Key: "key_state"}
	}
	return snaps, nil
}

func (p *PostgresStore) SaveProbeRun(ctx context.Context, run *keypool.ProbeRun) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode probe run: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
        INSERT INTO probe_history (id, run, saved_at)
        VALUES (1, $1, CURRENT_TIMESTAMP)
        ON CONFLICT (id)
        DO UPDATE SET run = EXCLUDED.run, saved_at = CURRENT_TIMESTAMP`, data)
	if err != nil {
		return fmt.Errorf("upsert probe run: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadProbeRun(ctx context.Context) (*keypool.ProbeRun, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var data []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT run FROM probe_history WHERE id = 1").Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{Key: "probe_history"}
		}
		return nil, fmt.Errorf("query probe run: %w", err)
	}
	var run keypool.ProbeRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode probe run: %w", err)
	}
	return &run, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
