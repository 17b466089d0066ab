package infra

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryShards = 64

// MemoryStore é um CounterStore em memória para deploys de um processo só.
//
// Cada chave de janela tem seu próprio mutex; o lock do shard só é segurado
// para achar/criar a entrada. Bloqueios ficam num LRU com TTL, limitado em
// tamanho para não crescer sem controle sob ataque.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	blocks *expirable.LRU[domain.Key, domain.BlockState]
	// serializa SaveBlock/ClearBlock para o compare-and-delete
	blockMu sync.Mutex

	clock        domain.Clock
	cleanupEvery time.Duration
	maxBlocked   int
	blockTTL     time.Duration
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
}

type windowEntry struct {
	mu        sync.Mutex
	state     domain.WindowState
	found     bool
	expiresAt time.Time
	// dead: removida pelo janitor; quem pegou o ponteiro antes precisa buscar de novo
	dead bool
}

type MemoryStoreOption func(*MemoryStore)

func WithMemoryClock(c domain.Clock) MemoryStoreOption {
	return func(s *MemoryStore) { s.clock = c }
}

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// WithMaxBlockedClients limita o número de bloqueios mantidos. Ao estourar, o
// bloqueio menos recente é descartado.
func WithMaxBlockedClients(n int) MemoryStoreOption {
	return func(s *MemoryStore) { s.maxBlocked = n }
}

// WithBlockTTL deve ser >= ao maior BlockDuration das políticas, senão um
// bloqueio pode sumir antes da hora.
func WithBlockTTL(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.blockTTL = d }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clock:        domain.ClockFunc(time.Now),
		cleanupEvery: 2 * time.Minute,
		maxBlocked:   100_000,
		blockTTL:     time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{windows: make(map[string]*windowEntry)}
	}
	s.blocks = expirable.NewLRU[domain.Key, domain.BlockState](s.maxBlocked, nil, s.blockTTL)
	return s
}

var _ domain.CounterStore = (*MemoryStore)(nil)

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShards]
}

func (s *MemoryStore) LoadBlock(_ context.Context, client domain.Key) (domain.BlockState, bool, error) {
	b, ok := s.blocks.Get(client)
	return b, ok, nil
}

// SaveBlock ignora ttl: a expiração lógica é BlockedUntil e o LRU usa blockTTL.
func (s *MemoryStore) SaveBlock(_ context.Context, client domain.Key, st domain.BlockState, _ time.Duration) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	s.blocks.Add(client, st)
	return nil
}

func (s *MemoryStore) ClearBlock(_ context.Context, client domain.Key, until time.Time) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	if b, ok := s.blocks.Peek(client); ok && b.BlockedUntil.Equal(until) {
		s.blocks.Remove(client)
	}
	return nil
}

func (s *MemoryStore) UpdateWindow(_ context.Context, key string, ttl time.Duration, fn domain.WindowUpdateFunc) (domain.WindowState, error) {
	for {
		e := s.entry(key)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}

		now := s.clock.Now()
		found := e.found && now.Before(e.expiresAt)
		next, err := fn(e.state, found)
		if err != nil {
			e.mu.Unlock()
			return domain.WindowState{}, err
		}
		e.state = next
		e.found = true
		e.expiresAt = now.Add(ttl)
		e.mu.Unlock()
		return next, nil
	}
}

func (s *MemoryStore) entry(key string) *windowEntry {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.windows[key]
	if !ok {
		e = &windowEntry{}
		sh.windows[key] = e
	}
	return e
}

// Len retorna o número de janelas mantidas (inclui expiradas ainda não limpas).
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Cleanup remove janelas expiradas. Entradas em uso no momento são puladas e
// ficam para a próxima rodada.
func (s *MemoryStore) Cleanup() int {
	now := s.clock.Now()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.windows {
			if !e.mu.TryLock() {
				continue
			}
			if !e.found || !now.Before(e.expiresAt) {
				e.dead = true
				delete(sh.windows, k)
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
