package uma

import "context"

// Decision es el resultado de evaluar la política.
type Decision string

const (
	DecisionGranted     Decision = "granted"
	DecisionNeedsClaims Decision = "needs_claims"
	DecisionDenied      Decision = "denied"
)

// EvaluationRequest es el contexto que recibe la política: el ticket
// completo más los claims presentados por el requesting party.
type EvaluationRequest struct {
	RequestingParty string
	Owner           string
	Permissions     []Permission
	Claims          map[string]any
}

// Evaluation es la decisión de la política.
type Evaluation struct {
	Decision Decision

	// Granted acota los permisos concedidos; vacío con DecisionGranted
	// concede todo lo pedido.
	Granted []Permission

	// RequiredClaims y RedirectURI acompañan DecisionNeedsClaims: qué
	// falta y adónde mandar al requesting party a juntarlo.
	RequiredClaims []string
	RedirectURI    string
}

// PolicyHook evalúa políticas de autorización registradas. Se invoca
// sincrónicamente por request; las implementaciones no deben retener
// referencias al EvaluationRequest.
type PolicyHook interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error)
}

// PolicyFunc adapta una función a PolicyHook.
type PolicyFunc func(ctx context.Context, req EvaluationRequest) (*Evaluation, error)

func (f PolicyFunc) Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error) {
	return f(ctx, req)
}

// AllowAll concede todo lo pedido. Útil como default en entornos de
// desarrollo; producción registra su propia política.
var AllowAll PolicyHook = PolicyFunc(func(_ context.Context, req EvaluationRequest) (*Evaluation, error) {
	return &Evaluation{Decision: DecisionGranted, Granted: req.Permissions}, nil
})
