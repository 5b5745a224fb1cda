package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// RedisConfig configures the Redis evidence backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	LockTTL  time.Duration
}

// RedisStore keeps artifacts in Redis. Each artifact is one string key written
// with SETNX; sorted sets and sets index attempts, roles and specs.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore creates a RedisStore. It does not connect; call Ping to check reachability.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisStore(client, cfg)
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "specfactory"
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, lockTTL: ttl, tokens: make(map[string]string)}
}

// Ping checks that the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap(s.client.Ping(ctx).Err())
}

func (s *RedisStore) wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return pipeline.Unavailable(fmt.Errorf("redis: %w", err))
}

func (s *RedisStore) artifactKey(k Key) string {
	return fmt.Sprintf("%s:artifact:%s:%s:%d:%s", s.prefix, k.SpecID, k.Partition, k.Attempt, k.Role)
}

func (s *RedisStore) rolesKey(specID, partition string, attempt int) string {
	return fmt.Sprintf("%s:roles:%s:%s:%d", s.prefix, specID, partition, attempt)
}

func (s *RedisStore) attemptsKey(specID, partition string) string {
	return fmt.Sprintf("%s:attempts:%s:%s", s.prefix, specID, partition)
}

func (s *RedisStore) partitionsKey(specID string) string {
	return fmt.Sprintf("%s:partitions:%s", s.prefix, specID)
}

func (s *RedisStore) specsKey() string { return s.prefix + ":specs" }

func (s *RedisStore) lockKey(specID string) string { return s.prefix + ":lock:" + specID }

// Store writes a new artifact. It never overwrites.
func (s *RedisStore) Store(ctx context.Context, a Artifact) (Artifact, error) {
	if err := prepare(&a); err != nil {
		return Artifact{}, err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact: %w", err)
	}
	k := a.Key()
	ok, err := s.client.SetNX(ctx, s.artifactKey(k), data, 0).Result()
	if err != nil {
		return Artifact{}, s.wrap(err)
	}
	if !ok {
		return Artifact{}, fmt.Errorf("%s: %w", k, pipeline.ErrDuplicateArtifact)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.rolesKey(k.SpecID, k.Partition, k.Attempt), k.Role)
		p.ZAdd(ctx, s.attemptsKey(k.SpecID, k.Partition), redis.Z{Score: float64(k.Attempt), Member: strconv.Itoa(k.Attempt)})
		p.SAdd(ctx, s.partitionsKey(k.SpecID), k.Partition)
		p.SAdd(ctx, s.specsKey(), k.SpecID)
		return nil
	})
	if err != nil {
		return Artifact{}, s.wrap(err)
	}
	return a, nil
}

// Has reports whether an artifact exists for k.
func (s *RedisStore) Has(ctx context.Context, k Key) (bool, error) {
	n, err := s.client.Exists(ctx, s.artifactKey(k)).Result()
	if err != nil {
		return false, s.wrap(err)
	}
	return n > 0, nil
}

// Fetch returns the artifacts matching q.
func (s *RedisStore) Fetch(ctx context.Context, q Query) ([]Artifact, error) {
	q, ok, err := resolveLatest(ctx, s, q)
	if err != nil || !ok {
		return nil, err
	}
	var partitions []string
	if !q.wholeSpec() {
		partitions = []string{Partition(q.Step)}
	} else {
		members, err := s.client.SMembers(ctx, s.partitionsKey(q.SpecID)).Result()
		if err != nil {
			return nil, s.wrap(err)
		}
		partitions = members
	}

	var arts []Artifact
	for _, part := range partitions {
		attempts := []int{q.Attempt}
		if q.Attempt == 0 {
			members, err := s.client.ZRange(ctx, s.attemptsKey(q.SpecID, part), 0, -1).Result()
			if err != nil {
				return nil, s.wrap(err)
			}
			attempts = attempts[:0]
			for _, m := range members {
				if n, err := strconv.Atoi(m); err == nil {
					attempts = append(attempts, n)
				}
			}
		}
		for _, attempt := range attempts {
			roles, err := s.client.SMembers(ctx, s.rolesKey(q.SpecID, part, attempt)).Result()
			if err != nil {
				return nil, s.wrap(err)
			}
			if len(roles) == 0 {
				continue
			}
			keys := make([]string, len(roles))
			for i, role := range roles {
				keys[i] = s.artifactKey(Key{SpecID: q.SpecID, Partition: part, Attempt: attempt, Role: role})
			}
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, s.wrap(err)
			}
			for i, v := range vals {
				str, ok := v.(string)
				if !ok {
					continue
				}
				var a Artifact
				if err := json.Unmarshal([]byte(str), &a); err != nil {
					return nil, fmt.Errorf("decode %s: %w", keys[i], err)
				}
				arts = append(arts, a)
			}
		}
	}
	sortArtifacts(arts)
	return arts, nil
}

// LatestAttempt returns the highest attempt recorded for a step, or 0.
func (s *RedisStore) LatestAttempt(ctx context.Context, specID string, step pipeline.Step) (int, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.attemptsKey(specID, Partition(step)), 0, 0).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return int(zs[0].Score), nil
}

// ListSpecs returns every spec id with recorded evidence.
func (s *RedisStore) ListSpecs(ctx context.Context) ([]string, error) {
	specs, err := s.client.SMembers(ctx, s.specsKey()).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	return specs, nil
}

// Lock takes a lease on the spec with SET NX PX, retrying until ctx is done.
func (s *RedisStore) Lock(ctx context.Context, specID string) error {
	token := uuid.NewString()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(specID), token, s.lockTTL).Result()
		if err != nil {
			return s.wrap(err)
		}
		if ok {
			s.mu.Lock()
			s.tokens[specID] = token
			s.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", specID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases a lease taken by this store.
func (s *RedisStore) Unlock(ctx context.Context, specID string) error {
	s.mu.Lock()
	token, ok := s.tokens[specID]
	delete(s.tokens, specID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %s: not locked", specID)
	}
	if err := unlockScript.Run(ctx, s.client, []string{s.lockKey(specID)}, token).Err(); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
