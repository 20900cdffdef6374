// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisStore: contadores de janela deslizante e bans compartilhados (scripts Lua)
//   - MemoryStore: contadores em memória com expiração, para testes e um único processo
//   - CPUSampler, LoadAvgSampler, RedisLoadSource: leitura de carga para o LoadMonitor
//   - MemoryStatsStore, RedisStatsStore, PrometheusStats, FanoutStats: estatísticas
//   - ChanPool: semáforo simples para limite de concorrência
package infra
