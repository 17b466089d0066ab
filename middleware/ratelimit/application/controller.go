package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StoreFailurePolicy define o que fazer quando o CounterStore falha.
type StoreFailurePolicy int

const (
	// FailOpen admite a requisição (disponibilidade acima de contabilidade).
	FailOpen StoreFailurePolicy = iota
	// FailClosed rejeita com um Retry-After curto.
	FailClosed
)

func ParseStoreFailurePolicy(s string) (StoreFailurePolicy, error) {
	switch s {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("invalid store failure policy %q (want open|closed)", s)
}

const failClosedRetryAfter = 1 * time.Second

// Controller é o ponto único consultado por requisição. Compõe o token bucket
// e a janela+bloqueio em uma decisão.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma Decision.
type Controller struct {
	store    domain.CounterStore
	policies domain.PolicyTable
	clock    domain.Clock
	logger   *zap.Logger
	onFail   StoreFailurePolicy

	// resumo em Error no máximo a cada 10s; cada falha vai em Debug
	failLog rate.Sometimes
}

type Option func(*Controller)

func WithClock(c domain.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

func WithStoreFailurePolicy(p StoreFailurePolicy) Option {
	return func(ctl *Controller) { ctl.onFail = p }
}

// NewController valida a tabela de políticas. Política ausente ou inválida é
// erro fatal de inicialização, nunca "sem limite".
func NewController(store domain.CounterStore, policies domain.PolicyTable, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		store:    store,
		policies: policies.Clone(),
		clock:    domain.ClockFunc(time.Now),
		logger:   zap.NewNop(),
		onFail:   FailOpen,
		failLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy retorna a política aplicada a uma classe.
func (c *Controller) Policy(class domain.RouteClass) domain.Policy {
	return c.policies[class]
}

// Decide avalia a requisição. Nunca retorna erro: falhas do store viram
// FailOpen/FailClosed conforme configurado.
//
// O ctx da requisição pode ser cancelado pelo cliente; a decisão em voo ainda
// grava seu estado (os contadores refletem "tentado", não "entregue").
func (c *Controller) Decide(ctx context.Context, req domain.Request) domain.Decision {
	ctx = context.WithoutCancel(ctx)

	class := ClassifyPath(req.Path)
	policy := c.policies[class]
	client := NormalizeClient(req.ClientID)
	now := c.clock.Now()

	// 1) bloqueio tem precedência: cliente bloqueado não gasta tokens
	block, found, err := c.store.LoadBlock(ctx, client)
	if err != nil {
		return c.storeFailure(err, client, policy, now)
	}
	if found {
		if IsBlocked(block, now) {
			c.logger.Debug("client blocked",
				zap.String("client", string(client)),
				zap.String("class", string(class)),
				zap.Time("blocked_until", block.BlockedUntil))
			return domain.Decision{
				Outcome:    domain.OutcomeRejected,
				Class:      class,
				Policy:     policy,
				RetryAfter: block.BlockedUntil.Sub(now),
				ResetAt:    block.BlockedUntil,
				Reason:     "blocked",
			}
		}
		if err := c.store.ClearBlock(ctx, client, block.BlockedUntil); err != nil {
			c.logger.Debug("failed to clear expired block", zap.String("client", string(client)), zap.Error(err))
		}
	}

	// 2) read-modify-write atômico do estado da janela
	var (
		admitted bool
		snapshot domain.WindowState
	)
	_, err = c.store.UpdateWindow(ctx, WindowKey(client, class), policy.Window,
		func(st domain.WindowState, ok bool) (domain.WindowState, error) {
			if !ok || !st.Valid(policy) {
				st = domain.NewWindowState(policy, now)
			}
			Refill(&st, policy, now)
			RollWindowIfExpired(&st, policy, now)

			admitted = admissible(st, policy)
			if admitted {
				TryConsume(&st, policy.Weight)
				st.RequestCount++
			}
			snapshot = st
			return st, nil
		})
	if err != nil {
		return c.storeFailure(err, client, policy, now)
	}

	if !admitted {
		return c.reject(ctx, client, policy, snapshot, now)
	}

	dec := domain.Decision{
		Outcome:   domain.OutcomeAllowed,
		Class:     class,
		Policy:    policy,
		Remaining: int(math.Floor(snapshot.Tokens)),
		ResetAt:   snapshot.LastRefillAt.Add(policy.Window),
	}
	if d := slowDownDelay(policy, snapshot.RequestCount); d > 0 {
		dec.Outcome = domain.OutcomeDelayed
		dec.Delay = d
	}
	return dec
}

func (c *Controller) reject(ctx context.Context, client domain.Key, policy domain.Policy, st domain.WindowState, now time.Time) domain.Decision {
	var block domain.BlockState
	RecordViolationAndBlock(&block, policy, st, now)

	if policy.BlockDuration > 0 {
		if err := c.store.SaveBlock(ctx, client, block, policy.BlockDuration); err != nil {
			c.logger.Warn("failed to persist block",
				zap.String("client", string(client)),
				zap.String("class", string(policy.Class)),
				zap.Error(err))
		}
	}

	c.logger.Info("rate limit exceeded, client blocked",
		zap.String("client", string(client)),
		zap.String("class", string(policy.Class)),
		zap.Int("request_count", st.RequestCount),
		zap.Float64("tokens", st.Tokens),
		zap.Duration("block", policy.BlockDuration))

	return domain.Decision{
		Outcome:    domain.OutcomeRejected,
		Class:      policy.Class,
		Policy:     policy,
		RetryAfter: policy.BlockDuration,
		ResetAt:    block.BlockedUntil,
		Reason:     "limit exceeded",
	}
}

func (c *Controller) storeFailure(err error, client domain.Key, policy domain.Policy, now time.Time) domain.Decision {
	fields := []zap.Field{
		zap.String("client", string(client)),
		zap.String("class", string(policy.Class)),
		zap.Bool("fail_open", c.onFail == FailOpen),
		zap.Error(err),
	}
	c.logger.Debug("counter store failure", fields...)
	c.failLog.Do(func() {
		c.logger.Error("counter store failure", fields...)
	})

	if c.onFail == FailClosed {
		return domain.Decision{
			Outcome:    domain.OutcomeRejected,
			Class:      policy.Class,
			Policy:     policy,
			RetryAfter: failClosedRetryAfter,
			ResetAt:    now.Add(failClosedRetryAfter),
			Reason:     "store unavailable",
		}
	}
	return domain.Decision{
		Outcome:   domain.OutcomeAllowed,
		Class:     policy.Class,
		Policy:    policy,
		Remaining: policy.Limit,
		ResetAt:   now.Add(policy.Window),
		FailOpen:  true,
		Reason:    "store unavailable",
	}
}
