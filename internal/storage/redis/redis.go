// Package redis implementa el backend distribuido sobre go-redis.
// El CAS usa WATCH + transacción (optimistic locking); la expiración se
// indexa en un ZSET con score = unix(expires_at) para ListExpiredBefore.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/johngrant/internal/storage"
)

const (
	defaultPrefix = "jg:"
	expIndexKey   = "exp_index"
	// los registros expirados se retienen un día para el sweeper
	retentionGrace = 24 * time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Redis struct {
	client *rdb.Client
	prefix string
}

func New(cfg Config) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

// Client expone el cliente subyacente para componentes que comparten
// la conexión (rate limiting).
func (r *Redis) Client() *rdb.Client { return r.client }

func (r *Redis) key(id string) string  { return r.prefix + id }
func (r *Redis) zkey() string          { return r.prefix + expIndexKey }
func (r *Redis) unkey(k string) string { return k[len(r.prefix):] }

func (r *Redis) Get(ctx context.Context, id string) (*storage.Record, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redis: corrupt record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Redis) Put(ctx context.Context, rec *storage.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(rec.ID), raw, r.ttl(rec))
	r.indexExpiry(ctx, pipe, rec)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Create(ctx context.Context, rec *storage.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(rec.ID), raw, r.ttl(rec)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrConflict
	}
	if !rec.ExpiresAt.IsZero() {
		err = r.client.ZAdd(ctx, r.zkey(), rdb.Z{
			Score:  float64(rec.ExpiresAt.Unix()),
			Member: r.key(rec.ID),
		}).Err()
	}
	return err
}

func (r *Redis) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, rec *storage.Record) error {
	key := r.key(id)
	txf := func(tx *rdb.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, rdb.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur storage.Record
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("redis: corrupt record %s: %w", id, err)
		}
		if cur.Version != expectedVersion {
			return storage.ErrConflict
		}
		next := *rec
		next.ID = id
		next.Version = expectedVersion + 1
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl(&next))
			r.indexExpiry(ctx, pipe, &next)
			return nil
		})
		return err
	}
	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, rdb.TxFailedErr) {
		// otro writer tocó la key entre el GET y el EXEC
		return storage.ErrConflict
	}
	return err
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	pipe.ZRem(ctx, r.zkey(), r.key(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ListExpiredBefore(ctx context.Context, t time.Time) ([]string, error) {
	keys, err := r.client.ZRangeByScore(ctx, r.zkey(), &rdb.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", t.Unix()-1),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.unkey(k))
	}
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) ttl(rec *storage.Record) time.Duration {
	if rec.ExpiresAt.IsZero() {
		return 0
	}
	return time.Until(rec.ExpiresAt) + retentionGrace
}

func (r *Redis) indexExpiry(ctx context.Context, pipe rdb.Pipeliner, rec *storage.Record) {
	if rec.ExpiresAt.IsZero() {
		pipe.ZRem(ctx, r.zkey(), r.key(rec.ID))
		return
	}
	pipe.ZAdd(ctx, r.zkey(), rdb.Z{Score: float64(rec.ExpiresAt.Unix()), Member: r.key(rec.ID)})
}
