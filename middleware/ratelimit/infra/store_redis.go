package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore é um CounterStore para deploys com vários processos.
//
// Cada estado é um hash. UpdateWindow faz compare-and-swap com WATCH/MULTI e
// repete quando outra instância escreveu a mesma chave no meio do caminho.
type RedisStore struct {
	rdb *redis.Client

	prefix     string
	maxRetries int
}

type RedisStoreOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithMaxRetries limita as tentativas de CAS por decisão.
func WithMaxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		prefix:     "ratelimit",
		maxRetries: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 1
	}
	return s
}

var _ domain.CounterStore = (*RedisStore)(nil)

func (s *RedisStore) windowKey(key string) string { return s.prefix + ":win:" + key }

func (s *RedisStore) blockKey(client domain.Key) string {
	return s.prefix + ":block:" + string(client)
}

func (s *RedisStore) LoadBlock(ctx context.Context, client domain.Key) (domain.BlockState, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.blockKey(client)).Result()
	if err != nil {
		return domain.BlockState{}, false, err
	}
	if len(fields) == 0 {
		return domain.BlockState{}, false, nil
	}
	st, err := decodeBlock(fields)
	if err != nil {
		// estado corrompido vale como ausente
		return domain.BlockState{}, false, nil
	}
	return st, true, nil
}

func (s *RedisStore) SaveBlock(ctx context.Context, client domain.Key, st domain.BlockState, ttl time.Duration) error {
	k := s.blockKey(client)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, encodeBlock(st))
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		return nil
	})
	return err
}

// clearBlockScript apaga o hash só se blockedUntil ainda for o esperado.
var clearBlockScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "blockedUntil") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) ClearBlock(ctx context.Context, client domain.Key, until time.Time) error {
	return clearBlockScript.Run(ctx, s.rdb, []string{s.blockKey(client)},
		strconv.FormatInt(until.UnixNano(), 10)).Err()
}

func (s *RedisStore) UpdateWindow(ctx context.Context, key string, ttl time.Duration, fn domain.WindowUpdateFunc) (domain.WindowState, error) {
	k := s.windowKey(key)

	var out domain.WindowState
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}

		var cur domain.WindowState
		found := len(fields) > 0
		if found {
			if cur, err = decodeWindow(fields); err != nil {
				cur, found = domain.WindowState{}, false
			}
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encodeWindow(next))
			if ttl > 0 {
				pipe.PExpire(ctx, k, ttl)
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.WindowState{}, err
	}
	return domain.WindowState{}, fmt.Errorf("%w: %s after %d attempts", domain.ErrStoreContention, key, s.maxRetries)
}

// Os timestamps vão como unix nanos para o round-trip ser exato.

func encodeWindow(st domain.WindowState) map[string]any {
	return map[string]any{
		"tokens":        strconv.FormatFloat(st.Tokens, 'f', -1, 64),
		"lastRefillAt":  st.LastRefillAt.UnixNano(),
		"requestCount":  st.RequestCount,
		"windowStartAt": st.WindowStartAt.UnixNano(),
	}
}

func decodeWindow(f map[string]string) (domain.WindowState, error) {
	var (
		st  domain.WindowState
		err error
	)
	if st.Tokens, err = strconv.ParseFloat(f["tokens"], 64); err != nil {
		return st, fmt.Errorf("tokens: %w", err)
	}
	if st.LastRefillAt, err = parseUnixNano(f["lastRefillAt"]); err != nil {
		return st, fmt.Errorf("lastRefillAt: %w", err)
	}
	if st.RequestCount, err = strconv.Atoi(f["requestCount"]); err != nil {
		return st, fmt.Errorf("requestCount: %w", err)
	}
	if st.WindowStartAt, err = parseUnixNano(f["windowStartAt"]); err != nil {
		return st, fmt.Errorf("windowStartAt: %w", err)
	}
	return st, nil
}

func encodeBlock(st domain.BlockState) map[string]any {
	return map[string]any{
		"blocked":             strconv.FormatBool(st.Blocked),
		"blockedUntil":        st.BlockedUntil.UnixNano(),
		"requestCountAtBlock": st.RequestCountAtBlock,
		"windowStartAtBlock":  st.WindowStartAtBlock.UnixNano(),
		"class":               string(st.Class),
	}
}

func decodeBlock(f map[string]string) (domain.BlockState, error) {
	var (
		st  domain.BlockState
		err error
	)
	if st.Blocked, err = strconv.ParseBool(f["blocked"]); err != nil {
		return st, fmt.Errorf("blocked: %w", err)
	}
	if st.BlockedUntil, err = parseUnixNano(f["blockedUntil"]); err != nil {
		return st, fmt.Errorf("blockedUntil: %w", err)
	}
	if v := f["requestCountAtBlock"]; v != "" {
		if st.RequestCountAtBlock, err = strconv.Atoi(v); err != nil {
			return st, fmt.Errorf("requestCountAtBlock: %w", err)
		}
	}
	if v := f["windowStartAtBlock"]; v != "" {
		if st.WindowStartAtBlock, err = parseUnixNano(v); err != nil {
			return st, fmt.Errorf("windowStartAtBlock: %w", err)
		}
	}
	st.Class = domain.RouteClass(f["class"])
	return st, nil
}

func parseUnixNano(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
