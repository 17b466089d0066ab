package domain

import (
	"math"
	"time"
)

// WindowState é o estado por (cliente, classe), chave "{clientId}:{routeClass}".
type WindowState struct {
	Tokens        float64
	LastRefillAt  time.Time
	RequestCount  int
	WindowStartAt time.Time
}

// NewWindowState cria o estado inicial: bucket cheio e janela começando agora.
func NewWindowState(p Policy, now time.Time) WindowState {
	return WindowState{
		Tokens:        float64(p.Limit),
		LastRefillAt:  now,
		RequestCount:  0,
		WindowStartAt: now,
	}
}

// Valid detecta estado corrompido. Estado inválido é tratado como novo.
func (s WindowState) Valid(p Policy) bool {
	if math.IsNaN(s.Tokens) || math.IsInf(s.Tokens, 0) {
		return false
	}
	if s.Tokens < 0 || s.Tokens > float64(p.Limit) {
		return false
	}
	if s.RequestCount < 0 {
		return false
	}
	return !s.LastRefillAt.IsZero() && !s.WindowStartAt.IsZero()
}

// BlockState é o bloqueio por cliente, independente da classe de rota.
//
// Quando now >= BlockedUntil o bloqueio está expirado e equivale a ausente.
type BlockState struct {
	Blocked             bool
	BlockedUntil        time.Time
	RequestCountAtBlock int
	WindowStartAtBlock  time.Time
	// Class é a classe que causou o bloqueio (informativo).
	Class RouteClass
}
