package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dropDatabas3/johngrant/internal/oauth2"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
)

// writeError mapea un error de dominio a la respuesta RFC 6749.
// Errores no tipados se surfacean como server_error sin filtrar detalle.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oauth2.Error
	if !errors.As(err, &oe) {
		logger.From(r.Context()).Error("unhandled error", logger.Err(err))
		oe = oauth2.ErrServerError
	}
	if oe.HTTPStatus >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("server error", logger.Err(err))
	}
	status := oe.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, oe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTokenJSON agrega los no-cache headers que exige el protocolo
// para respuestas con tokens.
func writeTokenJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, v)
}
