// Package application contém os casos de uso do gateway de admissão: resolução
// de policies, contagem em janela deslizante, fator de carga, ban e limite de
// concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Gateway.Check(ctx, req) retorna uma Decision (allow/deny + retry-after).
package application
