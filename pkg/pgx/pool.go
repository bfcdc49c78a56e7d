package pgx

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PoolConfig describes how to open a connection pool.
type PoolConfig struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	ConnString string          // Used if Config is nil

	// MaxRetryTime bounds how long Connect keeps retrying the initial ping,
	// defaults to one minute.
	MaxRetryTime time.Duration
	Logger       *zap.Logger
}

// Connect opens a pool and pings it with exponential backoff until the
// database answers, MaxRetryTime elapses or ctx is done.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)
	switch {
	case cfg.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, cfg.Config)
	case cfg.ConnString != "":
		pool, err = pgxpool.New(ctx, cfg.ConnString)
	default:
		return nil, errors.New("pgx: either Config or ConnString must be provided")
	}
	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cmp.Or(cfg.MaxRetryTime, time.Minute)
	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			logger.Info("waiting for database", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping: %w", err)
	}
	return pool, nil
}
