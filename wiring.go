package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vidserve/config"
	"vidserve/credentials"
	"vidserve/job"
	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/ratelimit"
	"vidserve/routes"
	"vidserve/taskqueue"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
)

const (
	// sqsWaitSeconds is the long poll duration of the SQS queue
	sqsWaitSeconds = 20
	// added to the job timeout to get the pebble queue lease
	taskqueueLeaseMargin = 5 * time.Minute
)

type stores struct {
	jobs  jobstore.Store
	creds credentials.Store
	db    *sql.DB
}

func (s *stores) Close() {
	if s.jobs != nil {
		if err := s.jobs.Close(); err != nil {
			logger.Errorf("Failed to close job store: %v", err)
		}
	}
	if s.creds != nil {
		if err := s.creds.Close(); err != nil {
			logger.Errorf("Failed to close credential store: %v", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{}
	switch cfg.StoreDriver {
	case "postgres":
		db, err := jobstore.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.db = db
		jobs, err := jobstore.NewPostgresStore(ctx, db)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.jobs = jobs
		creds, err := credentials.NewPostgresStore(ctx, db, cfg.DefaultLimits)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.creds = creds
	case "pebble", "":
		jobs, err := jobstore.OpenPebble(cfg.JobsDBPath())
		if err != nil {
			return nil, err
		}
		st.jobs = jobs
		creds, err := credentials.OpenPebble(cfg.CredentialsDBPath(), cfg.DefaultLimits)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.creds = creds
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
	}
	return st, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (taskqueue.Queue, error) {
	switch cfg.QueueDriver {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return taskqueue.NewSQS(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, sqsWaitSeconds), nil
	case "pebble", "":
		// a lease must outlive the longest attempt
		return taskqueue.OpenPebble(cfg.QueueDBPath(), cfg.JobTimeout+taskqueueLeaseMargin)
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.QueueDriver)
	}
}

// openRedis returns the rate counter store and execution slots. Without a
// REDIS_URL both are kept in process.
func openRedis(ctx context.Context, cfg *config.Config) (ratelimit.CounterStore, job.SlotLocker, []routes.HealthCheck, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set, rate limits and execution slots are per process")
		return ratelimit.NewMemoryStore(), job.NewMemorySlots(), nil, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// counters fail open, so a missing Redis is not fatal
		logger.Warnf("Redis is not reachable yet: %v", err)
	}

	check := routes.HealthCheck{
		Name: "redis",
		Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Errorf("Failed to close redis client: %v", err)
		}
	}
	return ratelimit.NewRedisStore(client), job.NewRedisSlots(client), []routes.HealthCheck{check}, closeFn, nil
}
