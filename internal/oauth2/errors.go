package oauth2

import (
	"fmt"
	"net/http"
)

// Error es el error estándar que cruza los límites de componentes.
// Code es el código de protocolo (RFC 6749 / CIBA / UMA) que el caller
// mapea 1:1 a la respuesta; nunca se lanzan panics entre componentes.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	HTTPStatus  int    `json:"-"`
	Err         error  `json:"-"` // causa original, solo para logs
}

// Error implementa la interfaz error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

// Unwrap permite acceder a la causa.
func (e *Error) Unwrap() error { return e.Err }

// Is compara por Code, de modo que una copia con detalle/causa
// siga matcheando el sentinel via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetail devuelve una COPIA con descripción extendida
// (no muta las variables globales base).
func (e *Error) WithDetail(detail string) *Error {
	ne := *e
	ne.Description = detail
	return &ne
}

// WithCause devuelve una COPIA con la causa original.
func (e *Error) WithCause(err error) *Error {
	ne := *e
	ne.Err = err
	return &ne
}

// ─────────────────────────────────────────────────────────────
// Taxonomía (RFC 6749 §5.2 + CIBA + UMA + validación de tokens)
// ─────────────────────────────────────────────────────────────

var (
	// Parámetros malformados o faltantes; el cliente puede corregir y reintentar.
	ErrInvalidRequest = &Error{
		Code:        "invalid_request",
		Description: "the request is missing a required parameter or is otherwise malformed",
		HTTPStatus:  http.StatusBadRequest,
	}

	// Autenticación de cliente fallida.
	ErrInvalidClient = &Error{
		Code:        "invalid_client",
		Description: "client authentication failed",
		HTTPStatus:  http.StatusUnauthorized,
	}

	// El cliente no tiene permitido este grant type.
	ErrUnauthorizedClient = &Error{
		Code:        "unauthorized_client",
		Description: "the client is not authorized to use this grant type",
		HTTPStatus:  http.StatusBadRequest,
	}

	// Code/token expirado, consumido, revocado o conflicto de versión.
	// Único caso donde un caller PUEDE reintentar con un grant fresco.
	ErrInvalidGrant = &Error{
		Code:        "invalid_grant",
		Description: "the provided grant is invalid, expired, consumed or revoked",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrInvalidScope = &Error{
		Code:        "invalid_scope",
		Description: "the requested scope exceeds the scope granted",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrAccessDenied = &Error{
		Code:        "access_denied",
		Description: "the resource owner denied the request",
		HTTPStatus:  http.StatusForbidden,
	}

	// Misconfiguración del servidor: se loguea y se surfacea como server error.
	ErrUnsupportedAlgorithm = &Error{
		Code:        "unsupported_algorithm",
		Description: "the requested signing algorithm is not supported",
		HTTPStatus:  http.StatusInternalServerError,
	}

	ErrKeyUnavailable = &Error{
		Code:        "key_unavailable",
		Description: "no signing key is available for the requested key id",
		HTTPStatus:  http.StatusInternalServerError,
	}

	ErrServerError = &Error{
		Code:        "server_error",
		Description: "internal server error",
		HTTPStatus:  http.StatusInternalServerError,
	}

	// CIBA: estados transitorios esperados, no errores reales.
	ErrAuthorizationPending = &Error{
		Code:        "authorization_pending",
		Description: "the authorization request is still pending end-user action",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrSlowDown = &Error{
		Code:        "slow_down",
		Description: "polling too frequently; respect the interval",
		HTTPStatus:  http.StatusBadRequest,
	}

	ErrExpiredToken = &Error{
		Code:        "expired_token",
		Description: "the backchannel authentication request has expired",
		HTTPStatus:  http.StatusBadRequest,
	}

	// UMA: resultado de política.
	ErrRequestDenied = &Error{
		Code:        "request_denied",
		Description: "the authorization policy denied the request",
		HTTPStatus:  http.StatusForbidden,
	}

	// Validación de tokens (introspección / resource side).
	ErrTokenExpired = &Error{
		Code:        "token_expired",
		Description: "the token has expired",
		HTTPStatus:  http.StatusUnauthorized,
	}

	ErrTokenInvalidSignature = &Error{
		Code:        "token_invalid_signature",
		Description: "the token signature could not be verified",
		HTTPStatus:  http.StatusUnauthorized,
	}

	ErrAudienceMismatch = &Error{
		Code:        "audience_mismatch",
		Description: "the token audience does not match the expected audience",
		HTTPStatus:  http.StatusUnauthorized,
	}
)
