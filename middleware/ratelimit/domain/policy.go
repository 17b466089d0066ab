package domain

import (
	"fmt"
	"math"
	"time"
)

// RouteClass é a categoria grossa da rota usada para escolher a política.
type RouteClass string

const (
	ClassAuth   RouteClass = "auth"
	ClassAPI    RouteClass = "api"
	ClassStatic RouteClass = "static"
)

// RouteClasses lista as classes na ordem de configuração.
var RouteClasses = []RouteClass{ClassAuth, ClassAPI, ClassStatic}

func ParseRouteClass(s string) (RouteClass, error) {
	switch c := RouteClass(s); c {
	case ClassAuth, ClassAPI, ClassStatic:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRouteClass, s)
}

// Policy é a regra estática de uma classe de rota.
//
// Limit é ao mesmo tempo a capacidade do bucket e o teto de requisições por
// janela. Window é o período de refill e o tamanho da janela.
type Policy struct {
	Class         RouteClass
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
	Weight        float64

	// Speed-down (opcional): a partir da requisição DelayAfter+1 da janela,
	// cada requisição espera DelayStep a mais, até MaxDelay (0 = sem teto).
	DelayAfter int
	DelayStep  time.Duration
	MaxDelay   time.Duration
}

// RefillRate retorna tokens por segundo.
func (p Policy) RefillRate() float64 {
	return float64(p.Limit) / p.Window.Seconds()
}

func (p Policy) Validate() error {
	switch {
	case p.Limit <= 0:
		return fmt.Errorf("%w: %s: limit must be > 0", ErrInvalidPolicy, p.Class)
	case p.Window <= 0:
		return fmt.Errorf("%w: %s: window must be > 0", ErrInvalidPolicy, p.Class)
	case p.Weight <= 0 || math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0):
		return fmt.Errorf("%w: %s: weight must be > 0", ErrInvalidPolicy, p.Class)
	case p.Weight > float64(p.Limit):
		// com peso acima da capacidade nenhuma requisição passaria
		return fmt.Errorf("%w: %s: weight %g exceeds limit %d", ErrInvalidPolicy, p.Class, p.Weight, p.Limit)
	case p.BlockDuration < 0:
		return fmt.Errorf("%w: %s: blockDuration must be >= 0", ErrInvalidPolicy, p.Class)
	case p.DelayAfter < 0 || p.DelayStep < 0 || p.MaxDelay < 0:
		return fmt.Errorf("%w: %s: delay settings must be >= 0", ErrInvalidPolicy, p.Class)
	}
	return nil
}

// PolicyTable mapeia cada classe de rota para sua política.
type PolicyTable map[RouteClass]Policy

// Validate exige uma política válida para cada classe. Uma classe sem política
// é erro de configuração: nunca caímos silenciosamente para "sem limite".
func (t PolicyTable) Validate() error {
	for _, c := range RouteClasses {
		p, ok := t[c]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingPolicy, c)
		}
		if p.Class != c {
			return fmt.Errorf("%w: %s: policy registered under class %s", ErrInvalidPolicy, p.Class, c)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (t PolicyTable) MaxBlockDuration() time.Duration {
	var longest time.Duration
	for _, p := range t {
		if p.BlockDuration > longest {
			longest = p.BlockDuration
		}
	}
	return longest
}

func (t PolicyTable) Clone() PolicyTable {
	out := make(PolicyTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// DefaultPolicies são os limites de produção (auth, api e static).
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		ClassAuth: {
			Class:         ClassAuth,
			Limit:         5,
			Window:        60 * time.Second,
			BlockDuration: 30 * time.Minute,
			Weight:        2,
		},
		ClassAPI: {
			Class:         ClassAPI,
			Limit:         100,
			Window:        60 * time.Second,
			BlockDuration: 15 * time.Minute,
			Weight:        1,
		},
		ClassStatic: {
			Class:         ClassStatic,
			Limit:         1000,
			Window:        60 * time.Second,
			BlockDuration: 5 * time.Minute,
			Weight:        0.1,
		},
	}
}
