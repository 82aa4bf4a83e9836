package ecl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/starford/veritas/internal/apperr"
	"github.com/starford/veritas/internal/models"
)

// Records stores one embedding record per domain. Put replaces the previous
// record; no history is kept.
type Records interface {
	Get(ctx context.Context, domain string) (models.EmbeddingRecord, error)
	Put(ctx context.Context, rec models.EmbeddingRecord) error
	List(ctx context.Context) ([]models.EmbeddingRecord, error)
}

// Memory is an in-process Records.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]models.EmbeddingRecord
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]models.EmbeddingRecord)}
}

func (m *Memory) Get(_ context.Context, domain string) (models.EmbeddingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[domain]
	if !ok {
		return models.EmbeddingRecord{}, fmt.Errorf("ecl: domain %q: %w", domain, apperr.ErrNotFound)
	}
	rec.Vector = append([]float64(nil), rec.Vector...)
	return rec, nil
}

func (m *Memory) Put(_ context.Context, rec models.EmbeddingRecord) error {
	rec.Vector = append([]float64(nil), rec.Vector...)
	m.mu.Lock()
	m.recs[rec.Domain] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]models.EmbeddingRecord, error) {
	m.mu.RLock()
	out := make([]models.EmbeddingRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		rec.Vector = append([]float64(nil), rec.Vector...)
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

// RedisRecords keeps records as JSON fields of one Redis hash so they
// survive restarts and are shared between replicas.
type RedisRecords struct {
	client *redis.Client
	key    string
}

const defaultRedisKey = "veritas:embeddings"

// NewRedisRecords connects to the Redis server at url and verifies it with
// a PING.
func NewRedisRecords(ctx context.Context, url, key string) (*RedisRecords, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ecl: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("ecl: connect redis: %w", err)
	}
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisRecords{client: client, key: key}, nil
}

func (r *RedisRecords) Get(ctx context.Context, domain string) (models.EmbeddingRecord, error) {
	raw, err := r.client.HGet(ctx, r.key, domain).Result()
	if errors.Is(err, redis.Nil) {
		return models.EmbeddingRecord{}, fmt.Errorf("ecl: domain %q: %w", domain, apperr.ErrNotFound)
	}
	if err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("ecl: get %q: %w", domain, err)
	}
	var rec models.EmbeddingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("ecl: decode %q: %w", domain, err)
	}
	return rec, nil
}

func (r *RedisRecords) Put(ctx context.Context, rec models.EmbeddingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ecl: encode %q: %w", rec.Domain, err)
	}
	if err := r.client.HSet(ctx, r.key, rec.Domain, data).Err(); err != nil {
		return fmt.Errorf("ecl: put %q: %w", rec.Domain, err)
	}
	return nil
}

func (r *RedisRecords) List(ctx context.Context) ([]models.EmbeddingRecord, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("ecl: list: %w", err)
	}
	out := make([]models.EmbeddingRecord, 0, len(all))
	for domain, raw := range all {
		var rec models.EmbeddingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("ecl: decode %q: %w", domain, err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close closes the Redis connection.
func (r *RedisRecords) Close() error {
	return r.client.Close()
}

func sortRecords(recs []models.EmbeddingRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Domain < recs[j].Domain })
}
