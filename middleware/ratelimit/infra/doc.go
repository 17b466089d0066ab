// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore: CounterStore em memória, lock por chave + LRU de bloqueios
//   - RedisStore: CounterStore em Redis com compare-and-swap (WATCH/MULTI)
//   - SemaphorePool: vagas de concorrência sobre golang.org/x/sync/semaphore
//   - Stats: memória, Redis e Prometheus
//   - LoadPolicyFile: tabela de políticas a partir de YAML
package infra
