// Package validation contiene las reglas sintácticas compartidas por el
// engine y los controllers (nombres de scope).
package validation

import "regexp"

// Reglas de nombre de scope:
//   - minúsculas; empieza y termina en [a-z0-9]
//   - el medio admite [a-z0-9:_.-]
//   - largo 1..64; sin espacios ni ';'
//
// Válidos: profile, profile:read, a, a_b-c.d:x2
// Inválidos: BAD, "bad space", :leader, trailer:, ""
var scopeNameRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9:_\.-]{0,62}[a-z0-9])?$`)

// ValidScopeName reporta si name cumple la gramática de scopes.
func ValidScopeName(name string) bool {
	return scopeNameRe.MatchString(name)
}
