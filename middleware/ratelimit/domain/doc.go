// Package domain define contratos e tipos de domínio para admissão: policies,
// chaves de contador, registros de ban, amostras de carga, decisões e stores.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
