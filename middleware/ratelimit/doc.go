// Package ratelimit fornece adapters HTTP (net/http) para o gateway de admissão
// (rate limit, ban e limite de concorrência).
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (resolução de policy, janela deslizante, fator de
//     carga, ban) e o Gateway que combina tudo numa Decision, sem net/http
//   - infra: implementações concretas (Redis, memória, samplers, stats, semáforo)
//   - ratelimit (este pacote): middlewares HTTP + extração de IP/tenant + tradução
//     para status/headers/body JSON
//
// Fluxo no gateway:
//
//  1. Resolve o IP do cliente (só confia em XFF de proxy confiável) e o tenant
//  2. Chama o Gateway para obter a decisão
//  3. Escreve os headers X-RateLimit-* (exceto em rotas ignoradas)
//  4. Se bloqueado, responde 429, 403 ou 503 com JSON; senão chama o próximo handler
//
// A configuração do binário gateway (cmd/gateway) vem de YAML e variáveis de
// ambiente, como RATE_LIMIT_ENABLED, RATE_LIMIT_ENDPOINTS e CONCURRENCY_MAX.
package ratelimit
