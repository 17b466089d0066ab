// Package application contém os casos de uso do admission control e do limite
// de concorrência.
//
// Ele depende apenas do pacote domain (e de libs utilitárias) e não conhece
// net/http. Ex.: Controller.Decide(ctx, req) retorna uma Decision
// (allow/delay/reject + retry-after).
//
// Os algoritmos ficam separados em funções puras:
//
//   - token bucket: Refill, TryConsume
//   - janela fixa + bloqueio: RollWindowIfExpired, IsBlocked, RecordViolationAndBlock
//
// e o Controller compõe os dois com precedência determinística.
package application
