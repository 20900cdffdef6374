package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do gateway.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, gRPC, etc.
//
// Observação: cuidado com cardinalidade (ex.: usar ClientIP/Path como label
// pode explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	RequestID string
	ClientIP  string
	TenantID  string

	Policy   string
	Scope    Scope
	Allowed  bool
	Bypassed bool
	Degraded bool
	Reason   DenyReason

	Limit     int
	Remaining int

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do gateway.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// O gateway trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
