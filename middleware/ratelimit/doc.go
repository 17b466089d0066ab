// Package ratelimit fornece adapters HTTP (net/http) para o admission control
// e para o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: token bucket, janela+bloqueio e o Controller que decide
//     allow/delay/reject; acquire/timeout de vagas
//   - infra: implementações concretas (stores em memória/Redis, semáforo, stats)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução
//     da Decision para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (header/XFF/IP)
//  2. Chama o Controller para obter a decisão (a classe vem do path)
//  3. Se rejeitado, responde 429 com Retry-After e X-RateLimit-Reset
//  4. Se atrasado (speed-down), espera Decision.Delay
//  5. Se permitido, chama o próximo handler com X-RateLimit-* na resposta
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RATE_POLICY_FILE, RATE_STORE, CONCURRENCY_MAX e CONCURRENCY_TIMEOUT.
package ratelimit
