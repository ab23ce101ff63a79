package broadcast

import (
	"strings"

	"github.com/industriverse/capsuleflow/internal/data"
)

const (
	ScopeGlobal      = "global"
	tenantPrefix     = "tenant:"
	deploymentPrefix = "deployment:"
)

func TenantScope(id string) string     { return tenantPrefix + id }
func DeploymentScope(id string) string { return deploymentPrefix + id }

// Scopes lists the feeds an event goes out on. Every event is on the global
// feed; tenant and deployment feeds are added when the capsule carries them.
func Scopes(ev data.CapsuleEvent) []string {
	scopes := []string{ScopeGlobal}
	if ev.Capsule == nil {
		return scopes
	}
	if ev.Capsule.TenantID != "" {
		scopes = append(scopes, TenantScope(ev.Capsule.TenantID))
	}
	if ev.Capsule.DeploymentID != "" {
		scopes = append(scopes, DeploymentScope(ev.Capsule.DeploymentID))
	}
	return scopes
}

// ValidScope accepts "global", "tenant:<id>" and "deployment:<id>".
func ValidScope(s string) bool {
	switch {
	case s == ScopeGlobal:
		return true
	case strings.HasPrefix(s, tenantPrefix):
		return len(s) > len(tenantPrefix)
	case strings.HasPrefix(s, deploymentPrefix):
		return len(s) > len(deploymentPrefix)
	}
	return false
}

// Matches reports whether a subscriber that joined the given scopes should
// see an event published on eventScopes. A subscriber that joined nothing is
// on the global feed. Events that only carry the global scope reach every
// subscriber; scoped events reach only subscribers sharing one of their
// scopes.
func Matches(joined map[string]bool, eventScopes []string) bool {
	if len(joined) == 0 {
		return true
	}
	if len(eventScopes) == 1 && eventScopes[0] == ScopeGlobal {
		return true
	}
	for _, s := range eventScopes {
		if joined[s] {
			return true
		}
	}
	return false
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject turns a scope into a dotted subject or routing key under prefix,
// e.g. "tenant:acme" -> "<prefix>.tenant.acme".
func Subject(prefix, scope string) string {
	kind, id, found := strings.Cut(scope, ":")
	if !found {
		return prefix + "." + kind
	}
	return prefix + "." + kind + "." + subjectReplacer.Replace(id)
}
