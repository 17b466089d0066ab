package application

import (
	"context"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// SlotGuard concentra a regra de aquisição/liberação de vagas com timeout,
// sem saber nada sobre HTTP.
type SlotGuard struct {
	pool           domain.SlotPool
	acquireTimeout time.Duration
}

// NewSlotGuard: com pool nil toda requisição entra. Com acquireTimeout <= 0
// espera indefinidamente (até o ctx da requisição cancelar).
func NewSlotGuard(pool domain.SlotPool, acquireTimeout time.Duration) SlotGuard {
	return SlotGuard{pool: pool, acquireTimeout: acquireTimeout}
}

// Enter tenta adquirir uma vaga. O erro é domain.ErrNoSlot quando o prazo
// estourou, ou o erro do ctx do chamador quando ele desistiu antes.
func (g SlotGuard) Enter(ctx context.Context) (func(), error) {
	if g.pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}

	release, ok := g.pool.Acquire(acqCtx)
	if ok {
		return release, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w (waited %s)", domain.ErrNoSlot, g.acquireTimeout)
}
