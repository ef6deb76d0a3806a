package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable is returned when neither a shared database nor Docker is reachable.
var ErrUnavailable = errors.New("infra: no postgres available")

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness reuses overrideDSN or LOANFLOW_TEST_PG_DSN when set, otherwise
// boots a Postgres 16 container, falling back to a local server on 5432. The
// embedded migrations are applied; shared databases get an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	if overrideDSN == "" && sharedDSN() == "" && !DockerAvailable(ctx) {
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		overrideDSN = dsn
	}

	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}

	return &Harness{
		container: pgC,
		pool:      pool,
		teardown:  teardown,
	}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between runs.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE outbox, loan_events, loans CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SeedLoan inserts a loan and returns its id. An empty envelopeID leaves the
// envelope unset.
func (h *Harness) SeedLoan(ctx context.Context, status, envelopeID string) (string, error) {
	var envelope *string
	if envelopeID != "" {
		envelope = &envelopeID
	}

	var id string
	err := h.pool.QueryRow(ctx,
		`INSERT INTO loans (status, docusign_envelope_id) VALUES ($1, $2) RETURNING id::text`,
		status, envelope,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed loan: %w", err)
	}
	return id, nil
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
