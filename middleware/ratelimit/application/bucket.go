package application

import (
	"math"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Refill repõe tokens proporcionalmente ao tempo decorrido desde o último
// refill, limitado à capacidade da política.
//
// Um now anterior a LastRefillAt não adiciona nada, então o número de tokens
// nunca diminui aqui.
func Refill(st *domain.WindowState, p domain.Policy, now time.Time) {
	elapsed := now.Sub(st.LastRefillAt).Seconds()
	if elapsed > 0 {
		st.Tokens = math.Min(float64(p.Limit), st.Tokens+elapsed*p.RefillRate())
	}
	if now.After(st.LastRefillAt) {
		st.LastRefillAt = now
	}
}

// TryConsume debita weight tokens se houver saldo. Sem saldo, não muta nada.
func TryConsume(st *domain.WindowState, weight float64) bool {
	if st.Tokens < weight {
		return false
	}
	st.Tokens -= weight
	if st.Tokens < 0 {
		st.Tokens = 0
	}
	return true
}
