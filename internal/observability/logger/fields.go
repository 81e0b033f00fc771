package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio: un helper por concepto para que los
// nombres de campo queden uniformes en todos los componentes.

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// ClientID crea un campo para el ID del cliente OAuth.
func ClientID(v string) zap.Field { return zap.String("client_id", v) }

// GrantID crea un campo para el ID del grant.
func GrantID(v string) zap.Field { return zap.String("grant_id", v) }

// GrantType crea un campo para el grant type.
func GrantType(v string) zap.Field { return zap.String("grant_type", v) }

// TokenKind crea un campo para la clase de token.
func TokenKind(v string) zap.Field { return zap.String("token_kind", v) }

// Subject crea un campo para el subject (user) id.
func Subject(v string) zap.Field { return zap.String("sub", v) }

// AuthReqID crea un campo para el auth_req_id de CIBA.
func AuthReqID(v string) zap.Field { return zap.String("auth_req_id", v) }

// TicketID crea un campo para el permission ticket UMA.
func TicketID(v string) zap.Field { return zap.String("ticket_id", v) }

// KID crea un campo para el key id de firma.
func KID(v string) zap.Field { return zap.String("kid", v) }

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Layer crea un campo para la capa (engine, store, http).
func Layer(v string) zap.Field { return zap.String("layer", v) }

// Op crea un campo para la operación en curso.
func Op(v string) zap.Field { return zap.String("op", v) }

// Err crea un campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// String crea un campo string genérico.
func String(k, v string) zap.Field { return zap.String(k, v) }

// Int crea un campo int genérico.
func Int(k string, v int) zap.Field { return zap.Int(k, v) }

// Duration crea un campo de duración.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field { return zap.Int("status", v) }

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field { return zap.String("method", v) }

// Path crea un campo para el path del request.
func Path(v string) zap.Field { return zap.String("path", v) }
