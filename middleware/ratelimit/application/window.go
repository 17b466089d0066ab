package application

import (
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// RollWindowIfExpired zera o contador quando a janela atual terminou.
//
// É uma janela fixa: o reset acontece em saltos, então rajadas na fronteira
// podem chegar a 2x o limite. Retorna true se houve reset.
func RollWindowIfExpired(st *domain.WindowState, p domain.Policy, now time.Time) bool {
	if now.Sub(st.WindowStartAt) <= p.Window {
		return false
	}
	st.RequestCount = 0
	st.WindowStartAt = now
	return true
}

// IsBlocked: bloqueio expirado equivale a não bloqueado.
func IsBlocked(b domain.BlockState, now time.Time) bool {
	return b.Blocked && now.Before(b.BlockedUntil)
}

// RecordViolationAndBlock sobrescreve qualquer bloqueio anterior. Não há
// escalonamento em reincidência: o bloqueio só é reiniciado.
func RecordViolationAndBlock(b *domain.BlockState, p domain.Policy, st domain.WindowState, now time.Time) {
	*b = domain.BlockState{
		Blocked:             true,
		BlockedUntil:        now.Add(p.BlockDuration),
		RequestCountAtBlock: st.RequestCount,
		WindowStartAtBlock:  st.WindowStartAt,
		Class:               p.Class,
	}
}

// admissible: os dois portões são conjuntivos. O bucket absorve rajadas, o
// contador da janela limita o volume absoluto.
func admissible(st domain.WindowState, p domain.Policy) bool {
	return st.Tokens >= p.Weight && st.RequestCount < p.Limit
}

// slowDownDelay calcula o atraso do speed-down para a n-ésima requisição da janela.
func slowDownDelay(p domain.Policy, n int) time.Duration {
	if p.DelayAfter <= 0 || p.DelayStep <= 0 || n <= p.DelayAfter {
		return 0
	}
	d := time.Duration(n-p.DelayAfter) * p.DelayStep
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
