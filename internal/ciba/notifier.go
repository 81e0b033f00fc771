package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dropDatabas3/johngrant/internal/grant"
)

// Notifier entrega notificaciones backchannel al cliente (modos ping y
// push). El bearer es el client_notification_token que el cliente envió
// al crear el request.
type Notifier interface {
	// Ping avisa que el request fue resuelto; el cliente debe hacer un
	// poll al token endpoint para conocer el resultado.
	Ping(ctx context.Context, endpoint, bearer, authReqID string) error
	// Push entrega los tokens directamente en el callback del cliente.
	Push(ctx context.Context, endpoint, bearer, authReqID string, tokens *grant.TokenResponse) error
	// PushError entrega un error terminal en el callback del cliente.
	PushError(ctx context.Context, endpoint, bearer, authReqID, code, description string) error
}

// HTTPNotifier implementa Notifier con POSTs JSON.
type HTTPNotifier struct {
	client *http.Client
}

func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNotifier) Ping(ctx context.Context, endpoint, bearer, authReqID string) error {
	return n.post(ctx, endpoint, bearer, map[string]any{
		"auth_req_id": authReqID,
	})
}

func (n *HTTPNotifier) Push(ctx context.Context, endpoint, bearer, authReqID string, tokens *grant.TokenResponse) error {
	return n.post(ctx, endpoint, bearer, map[string]any{
		"auth_req_id":   authReqID,
		"access_token":  tokens.AccessToken,
		"token_type":    tokens.TokenType,
		"expires_in":    tokens.ExpiresIn,
		"refresh_token": tokens.RefreshToken,
		"id_token":      tokens.IDToken,
	})
}

func (n *HTTPNotifier) PushError(ctx context.Context, endpoint, bearer, authReqID, code, description string) error {
	return n.post(ctx, endpoint, bearer, map[string]any{
		"auth_req_id":       authReqID,
		"error":             code,
		"error_description": description,
	})
}

func (n *HTTPNotifier) post(ctx context.Context, endpoint, bearer string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ciba: callback returned %d", resp.StatusCode)
	}
	return nil
}
