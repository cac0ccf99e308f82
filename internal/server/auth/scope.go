package auth

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

// Access is one entry of a token's access claim.
type Access struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// ParseScope parses "<type>:<name>:<action>[,<action>...]". The name may
// itself contain colons, as in "registry.local:5000/app".
func ParseScope(scope string) (Access, error) {
	first := strings.Index(scope, ":")
	last := strings.LastIndex(scope, ":")
	if first <= 0 || last == first || last == len(scope)-1 {
		return Access{}, invalidScope(scope)
	}

	a := Access{Type: scope[:first], Name: scope[first+1 : last]}
	if a.Name == "" {
		return Access{}, invalidScope(scope)
	}
	for _, action := range strings.Split(scope[last+1:], ",") {
		action = strings.TrimSpace(action)
		if action == "" {
			return Access{}, invalidScope(scope)
		}
		a.Actions = append(a.Actions, action)
	}
	return a, nil
}

// ParseScopes parses every scope parameter. A single parameter may carry
// several space-separated scopes.
func ParseScopes(params []string) ([]Access, error) {
	var out []Access
	for _, p := range params {
		for _, s := range strings.Fields(p) {
			a, err := ParseScope(s)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func invalidScope(scope string) error {
	return fmt.Errorf("%w: %q", common.ErrInvalidScope, scope)
}
