// Package domain define contratos e tipos de domínio para o admission control
// (token bucket + janela fixa + bloqueio) e para o limite de concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura (memória, Redis, Prometheus...).
package domain
