package hostkv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// Metrics collectors for the Redis-backed Storage: a duration histogram plus
// an error counter per operation.
var (
	storageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "hostkv_storage_operation_duration_seconds",
		Help: "Duration of hostkv storage operations",
	}, []string{"operation"})

	storageOpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostkv_storage_operation_errors_total",
		Help: "Total hostkv storage operation errors",
	}, []string{"operation"})
)

// RedisStorage is the reference Storage implementation, namespacing keys as
// "<collection>:<id>" and SCAN-ing for List. It exists to give the host
// contract a concrete, testable backend; a real host may swap in anything.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage wraps an existing client. Connection lifecycle (Addr,
// Password, DB) is the caller's responsibility via redis.NewClient.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func key(collection, id string) string {
	return collection + ":" + id
}

func (s *RedisStorage) Get(ctx context.Context, collection, id string) ([]byte, error) {
	timer := prometheus.NewTimer(storageOpDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	v, err := s.client.Get(ctx, key(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		storageOpErrors.WithLabelValues("get").Inc()
		return nil, errors.Wrapf(err, "hostkv: get %s/%s", collection, id)
	}
	return v, nil
}

func (s *RedisStorage) Put(ctx context.Context, collection, id string, value []byte) error {
	timer := prometheus.NewTimer(storageOpDuration.WithLabelValues("put"))
	defer timer.ObserveDuration()

	if err := s.client.Set(ctx, key(collection, id), value, 0).Err(); err != nil {
		storageOpErrors.WithLabelValues("put").Inc()
		return errors.Wrapf(err, "hostkv: put %s/%s", collection, id)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, collection, id string) error {
	timer := prometheus.NewTimer(storageOpDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	if err := s.client.Del(ctx, key(collection, id)).Err(); err != nil {
		storageOpErrors.WithLabelValues("delete").Inc()
		return errors.Wrapf(err, "hostkv: delete %s/%s", collection, id)
	}
	return nil
}

func (s *RedisStorage) List(ctx context.Context, collection string) ([]string, error) {
	timer := prometheus.NewTimer(storageOpDuration.WithLabelValues("list"))
	defer timer.ObserveDuration()

	prefix := collection + ":"
	var ids []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		storageOpErrors.WithLabelValues("list").Inc()
		return nil, errors.Wrapf(err, "hostkv: list %s", collection)
	}
	return ids, nil
}

// TryClaim implements the exactly-once guard with Redis SETNX: the first
// caller to claim id wins, every later caller sees claimed=false. ttl, when
// positive, bounds how long a stale claim blocks retries.
func (s *RedisStorage) TryClaim(ctx context.Context, collection, id string, value []byte, ttl time.Duration) (bool, error) {
	timer := prometheus.NewTimer(storageOpDuration.WithLabelValues("try_claim"))
	defer timer.ObserveDuration()

	ok, err := s.client.SetNX(ctx, key(collection, id), value, ttl).Result()
	if err != nil {
		storageOpErrors.WithLabelValues("try_claim").Inc()
		return false, errors.Wrapf(err, "hostkv: try_claim %s/%s", collection, id)
	}
	return ok, nil
}
