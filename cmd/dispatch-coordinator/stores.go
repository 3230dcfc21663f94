package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Dispatch/internal/config"
	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/mq"
	"github.com/shaiso/Dispatch/internal/repo"
	"github.com/shaiso/Dispatch/internal/scheduler"
)

// stores — открытые хранилища и соединения, которые нужно закрыть.
type stores struct {
	jobs      coordinator.JobStore
	schedules scheduler.ScheduleStore
	elector   scheduler.LeaderElector

	redis  *redis.Client
	closer []func()
}

func (s *stores) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
}

// redisClient открывает клиент Redis один раз для store и транспорта.
func (s *stores) redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisAddr,
		DB:                    cfg.RedisDB,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s.redis = client
	s.closer = append(s.closer, func() { _ = client.Close() })
	return client, nil
}

// openStores открывает хранилище jobs по STORE_DRIVER.
//
// Schedules хранятся в PostgreSQL, если он выбран, иначе в памяти процесса.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := repo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closer = append(s.closer, pool.Close)

		jobs := repo.NewJobRepo(pool)
		if err := jobs.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		schedules := repo.NewScheduleRepo(pool)
		if err := schedules.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		lock := repo.NewAdvisoryLock(pool, repo.SchedulerLockKey)
		s.closer = append(s.closer, func() { _ = lock.Release(context.Background()) })

		s.jobs, s.schedules, s.elector = jobs, schedules, lock
		logger.Info("connected to database")

	case config.StoreSQLite:
		jobs, db, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closer = append(s.closer, func() { _ = db.Close() })
		s.jobs = jobs
		logger.Info("opened sqlite database", "path", cfg.SQLitePath)

	case config.StoreRedis:
		client, err := s.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.jobs = repo.NewRedisJobRepo(client, cfg.RedisPrefix)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

	default:
		s.jobs = repo.NewMemoryJobRepo()
		logger.Warn("using in-memory job store, jobs are lost on restart")
	}

	if s.schedules == nil {
		s.schedules = repo.NewMemoryScheduleRepo()
	}
	return s, nil
}

// openTransport открывает транспорт очередей по TRANSPORT_DRIVER.
func openTransport(ctx context.Context, cfg *config.Config, s *stores, logger *slog.Logger) (mq.Transport, error) {
	switch cfg.TransportDriver {
	case config.TransportRabbitMQ:
		t, err := mq.NewRabbitTransport(mq.RabbitTransportConfig{
			URL:    cfg.RabbitMQURL,
			Queues: domain.Queues(),
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		logger.Info("connected to rabbitmq")
		logger.Debug(mq.TopologyInfo(domain.Queues()))
		return t, nil

	case config.TransportRedis:
		client, err := s.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t := mq.NewRedisTransport(client, mq.RedisTransportConfig{
			Prefix: cfg.RedisPrefix,
			Logger: logger,
		})
		n, err := t.RecoverQueues(ctx, domain.Queues())
		if err != nil {
			return nil, fmt.Errorf("recover redis queues: %w", err)
		}
		logger.Info("connected to redis transport", "recovered", n)
		return t, nil

	default:
		return mq.NewMemoryTransport(), nil
	}
}
