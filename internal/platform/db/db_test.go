package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfigAppliesOptions(t *testing.T) {
	cfg, err := PoolConfig(PoolOptions{
		DSN:             "postgres://u:p@localhost:5432/profit?sslmode=disable",
		MaxConns:        12,
		MinConns:        20,
		MaxConnLifetime: 15 * time.Minute,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 12, cfg.MaxConns)
	assert.EqualValues(t, 12, cfg.MinConns)
	assert.Equal(t, 15*time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, "salesprofit", cfg.ConnConfig.RuntimeParams["application_name"])

	cfg, err = PoolConfig(PoolOptions{DSN: "postgres://u:p@localhost:5432/profit?application_name=report-cli"})
	require.NoError(t, err)
	assert.Equal(t, "report-cli", cfg.ConnConfig.RuntimeParams["application_name"])

	_, err = PoolConfig(PoolOptions{DSN: "postgres://u:p@localhost:notaport/profit"})
	assert.ErrorContains(t, err, "db: parse dsn")
}

type fakeTx struct {
	pgx.Tx
	commits   *int
	rollbacks *int
}

func (f fakeTx) Commit(context.Context) error {
	*f.commits++
	return nil
}

func (f fakeTx) Rollback(context.Context) error {
	*f.rollbacks++
	return nil
}

type fakeStarter struct {
	begins    int
	commits   int
	rollbacks int
}

func (f *fakeStarter) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	f.begins++
	return fakeTx{commits: &f.commits, rollbacks: &f.rollbacks}, nil
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	starter := &fakeStarter{}
	calls := 0
	err := WithTx(context.Background(), starter, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, starter.begins)
	assert.Equal(t, 2, starter.rollbacks)
	assert.Equal(t, 1, starter.commits)
}

func TestWithTxGivesUp(t *testing.T) {
	starter := &fakeStarter{}
	err := WithTx(context.Background(), starter, func(pgx.Tx) error {
		return &pgconn.PgError{Code: pgDeadlockDetected}
	})
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, maxTxAttempts, starter.begins)
	assert.Zero(t, starter.commits)
}

func TestWithTxStopsOnOtherErrors(t *testing.T) {
	starter := &fakeStarter{}
	boom := errors.New("lead batch in use")
	err := WithTx(context.Background(), starter, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, starter.begins)
	assert.Equal(t, 1, starter.rollbacks)

	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23503"})))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgSerializationFailure})))
}
