package domain

import "errors"

var (
	ErrMissingPolicy     = errors.New("missing rate limit policy")
	ErrInvalidPolicy     = errors.New("invalid rate limit policy")
	ErrUnknownRouteClass = errors.New("unknown route class")

	// ErrStoreContention é devolvido por stores otimistas quando esgotam as
	// tentativas de compare-and-swap.
	ErrStoreContention = errors.New("counter store contention")
)

// ErrNoSlot indica que não houve vaga de concorrência dentro do prazo.
var ErrNoSlot = errors.New("no concurrency slot available")
