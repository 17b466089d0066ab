package domain

// Camada de domínio do admission control.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

// Key identifica o cliente (IP, API key...). É opaca para o controller.
type Key string

// UnknownClient é o bucket compartilhado usado quando a identidade do cliente
// está vazia. Nunca é isento de limite.
const UnknownClient Key = "unknown"

// Request é o mínimo que o controller precisa saber de uma requisição.
type Request struct {
	Method   string
	Path     string
	ClientID Key
}

type Outcome int

const (
	OutcomeAllowed Outcome = iota
	// OutcomeDelayed: admitida, mas deve esperar Decision.Delay antes de seguir.
	OutcomeDelayed
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDelayed:
		return "delayed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome Outcome
	Class   RouteClass
	Policy  Policy

	// Remaining é o número inteiro de tokens que sobraram após a admissão.
	Remaining int
	// ResetAt: em allow é o fim do período de refill; em reject é o fim do bloqueio.
	ResetAt time.Time
	// RetryAfter é o valor a ser retornado em Retry-After quando rejeitar.
	RetryAfter time.Duration
	// Delay só é preenchido em OutcomeDelayed.
	Delay time.Duration

	// FailOpen indica que o store falhou e a requisição foi admitida por padrão.
	FailOpen bool
	Reason   string
}

func (d Decision) Allowed() bool { return d.Outcome != OutcomeRejected }

// Clock é a fonte de tempo. Em testes usamos um relógio controlado.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapta uma função (ex: time.Now) para Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// WindowUpdateFunc recebe o estado atual (found=false se ausente/expirado) e
// devolve o novo estado a ser persistido.
//
// Deve ser pura: stores otimistas (ex: Redis com WATCH) podem chamá-la mais de
// uma vez para a mesma decisão.
type WindowUpdateFunc func(st WindowState, found bool) (WindowState, error)

// CounterStore é o único recurso mutável compartilhado entre requisições.
//
// UpdateWindow precisa ser atômico por chave: duas chamadas concorrentes para a
// mesma chave nunca observam o mesmo estado de entrada. Chaves diferentes não
// podem bloquear umas às outras.
//
// ClearBlock só remove o bloqueio se o BlockedUntil gravado ainda for until;
// um bloqueio regravado no meio do caminho sobrevive.
type CounterStore interface {
	LoadBlock(ctx context.Context, client Key) (BlockState, bool, error)
	SaveBlock(ctx context.Context, client Key, st BlockState, ttl time.Duration) error
	ClearBlock(ctx context.Context, client Key, until time.Time) error
	UpdateWindow(ctx context.Context, key string, ttl time.Duration, fn WindowUpdateFunc) (WindowState, error)
}
