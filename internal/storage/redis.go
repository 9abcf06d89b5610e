package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "articlecast/pkg/logx"
)

// redisStore keeps state in Redis so several instances can share a ledger.
//
// Keys (with prefix P):
//   - P sent:<dedupe key>  string, expires with the marker
//   - P failed             hash dedupe key -> FailedRecord JSON
//   - P audit              list of AuditEntry JSON, newest last, trimmed
type redisStore struct {
	client   *redis.Client
	log      logx.Logger
	prefix   string
	auditMax int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	client, err := connectRedis(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg, log), nil
}

// connectRedis accepts a redis:// URL or a bare host:port.
func connectRedis(url string) (*redis.Client, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: url}), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "articlecast:"
	}
	keep := int64(cfg.AuditMax)
	if keep <= 0 {
		keep = 10000
	}
	return &redisStore{client: client, log: log, prefix: prefix, auditMax: keep}
}

func (s *redisStore) sentKey(key string) string { return s.prefix + "sent:" + key }
func (s *redisStore) failedKey() string         { return s.prefix + "failed" }
func (s *redisStore) auditKey() string          { return s.prefix + "audit" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.auditKey(), b)
		p.LTrim(ctx, s.auditKey(), -s.auditMax, -1)
		return nil
	})
	return err
}

func (s *redisStore) PutSent(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, s.sentKey(key)).Err()
	}
	return s.client.Set(ctx, s.sentKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetSent(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.sentKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) PutFailed(ctx context.Context, r FailedRecord) error {
	if r.Key == "" {
		return errors.New("failed record without key")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.failedKey(), r.Key, b).Err()
}

func (s *redisStore) DeleteFailed(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.failedKey(), key).Err()
}

func (s *redisStore) ListFailed(ctx context.Context) ([]FailedRecord, error) {
	data, err := s.client.HGetAll(ctx, s.failedKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedRecord, 0, len(data))
	for k, raw := range data {
		var r FailedRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping unreadable failed record", logx.String("key", k), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	sortFailed(out)
	return out, nil
}
