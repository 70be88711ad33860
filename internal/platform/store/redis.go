package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fhir:"

// RedisStore keeps each resource as a JSON string with a per-type id set and
// a per-resource version counter.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisClient connects using a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MinIdleConns = 1

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func bodyKey(resourceType, id string) string {
	return redisKeyPrefix + resourceType + ":" + id
}

func versionKey(resourceType, id string) string {
	return bodyKey(resourceType, id) + ":version"
}

func idsKey(resourceType string) string {
	return redisKeyPrefix + resourceType + ":_ids"
}

func (s *RedisStore) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	body, err := s.rdb.Get(ctx, bodyKey(resourceType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(resourceType, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s/%s", resourceType, id)
	}
	return body, nil
}

// Create claims the id with SETNX on the version counter so that concurrent
// creates of the same id cannot both succeed. A failed write gives the claim
// back, otherwise the id would stay taken with no body behind it.
func (s *RedisStore) Create(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	stamped, err := stamp(resourceType, id, 1, s.now(), body)
	if err != nil {
		return nil, err
	}

	key := versionKey(resourceType, id)
	err = claimThenWrite(ctx, resourceType, id, createSteps{
		claim: func(ctx context.Context) (bool, error) {
			return s.rdb.SetNX(ctx, key, 1, 0).Result()
		},
		write: func(ctx context.Context) error {
			return s.write(ctx, resourceType, id, stamped)
		},
		release: func(ctx context.Context) error {
			return s.rdb.Del(ctx, key).Err()
		},
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

// createSteps are the three redis round trips of a create.
type createSteps struct {
	claim   func(ctx context.Context) (bool, error)
	write   func(ctx context.Context) error
	release func(ctx context.Context) error
}

// claimThenWrite runs claim, then write. When write fails after a successful
// claim, release runs on a context that ignores cancellation of ctx.
func claimThenWrite(ctx context.Context, resourceType, id string, steps createSteps) error {
	claimed, err := steps.claim(ctx)
	if err != nil {
		return errors.Wrapf(err, "claim %s/%s", resourceType, id)
	}
	if !claimed {
		return conflict(resourceType, id)
	}

	writeErr := steps.write(ctx)
	if writeErr == nil {
		return nil
	}
	if err := steps.release(context.WithoutCancel(ctx)); err != nil {
		return errors.CombineErrors(writeErr, errors.Wrapf(err, "release claim on %s/%s", resourceType, id))
	}
	return writeErr
}

func (s *RedisStore) Update(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	version, err := s.rdb.Incr(ctx, versionKey(resourceType, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "bump version of %s/%s", resourceType, id)
	}

	stamped, err := stamp(resourceType, id, int(version), s.now(), body)
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, resourceType, id, stamped); err != nil {
		return nil, err
	}
	return stamped, nil
}

func (s *RedisStore) write(ctx context.Context, resourceType, id string, body json.RawMessage) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, bodyKey(resourceType, id), []byte(body), 0)
		pipe.SAdd(ctx, idsKey(resourceType), id)
		return nil
	})
	return errors.Wrapf(err, "write %s/%s", resourceType, id)
}

// Search loads every resource of the type and filters with Match.
func (s *RedisStore) Search(ctx context.Context, resourceType string, criteria []Criterion) ([]json.RawMessage, error) {
	if err := validate(resourceType, criteria); err != nil {
		return nil, err
	}

	ids, err := s.rdb.SMembers(ctx, idsKey(resourceType)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list %s ids", resourceType)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = bodyKey(resourceType, id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load %s resources", resourceType)
	}

	var out []json.RawMessage
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		body := json.RawMessage(str)
		matched, err := MatchJSON(resourceType, body, criteria)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, body)
		}
	}
	return out, nil
}
