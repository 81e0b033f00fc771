// Package audit emite el trail de eventos de seguridad (emisión,
// revocación, decisiones backchannel y UMA) por el logger estructurado,
// separado del logging operativo por el campo audit=true para poder
// rutearlo a un sink propio.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/dropDatabas3/johngrant/internal/observability/logger"
)

// Event names. Uno por transición de estado relevante para auditoría.
const (
	TokenGranted    = "token.granted"
	TokenRevoked    = "token.revoked"
	GrantRevoked    = "grant.revoked"
	CIBAStarted     = "ciba.started"
	CIBAApproved    = "ciba.approved"
	CIBADenied      = "ciba.denied"
	UMATicketIssued = "uma.ticket_issued"
	UMARPTIssued    = "uma.rpt_issued"
)

// Log registra un evento de auditoría con los campos dados.
func Log(ctx context.Context, event string, fields ...zap.Field) {
	base := []zap.Field{
		zap.Bool("audit", true),
		zap.String("event", event),
	}
	logger.From(ctx).Info(event, append(base, fields...)...)
}
