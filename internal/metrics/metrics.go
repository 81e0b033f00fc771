// Package metrics expone los contadores prometheus del engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued cuenta tokens emitidos por kind.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "johngrant_tokens_issued_total",
		Help: "Tokens issued, by token kind.",
	}, []string{"kind"})

	// Exchanges cuenta intercambios del token endpoint por grant type y resultado.
	Exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "johngrant_token_exchanges_total",
		Help: "Token exchanges, by grant type and result (ok|error code).",
	}, []string{"grant_type", "result"})

	// CASConflicts cuenta conflictos de versión (carreras esperadas, no errores).
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "johngrant_version_conflicts_total",
		Help: "Compare-and-swap conflicts observed on grant records.",
	})

	// CibaPolls cuenta polls CIBA por outcome.
	CibaPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "johngrant_ciba_polls_total",
		Help: "CIBA poll outcomes (pending|slow_down|tokens|denied|expired|invalid).",
	}, []string{"outcome"})

	// UmaDecisions cuenta resultados de evaluación de política UMA.
	UmaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "johngrant_uma_decisions_total",
		Help: "UMA policy decisions (granted|needs_claims|denied).",
	}, []string{"outcome"})

	// GrantsPurged cuenta registros barridos por expiración.
	GrantsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "johngrant_records_purged_total",
		Help: "Expired records removed by the sweeper.",
	})
)
