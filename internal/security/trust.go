// Package security implements the lethal-trifecta defense: a
// per-invocation taint-tracking gate, the Cop LLM inspector, and the
// file-backed human approval gate.
package security

// TriState is a three-valued trust flag: false, true, or "forbidden"
// (stronger than false — the operation is denied outright, not merely
// ungated). Service trust fields use this instead of a boolean so a
// service can be taken completely off the table.
type TriState string

const (
	TriFalse     TriState = "false"
	TriTrue      TriState = "true"
	TriForbidden TriState = "forbidden"
)

func (t TriState) IsTrue() bool      { return t == TriTrue }
func (t TriState) IsForbidden() bool { return t == TriForbidden }

// ServiceTrust is the per-(workspace, service) trust record spec §4.4
// defines: four independent tri-state fields, no risk tiers.
type ServiceTrust struct {
	PublicSource    TriState `json:"public_source"`
	SecretData      TriState `json:"secret_data"`
	PublicSink      TriState `json:"public_sink"`
	DangerousWrites TriState `json:"dangerous_writes"`
}

// defaultTrust is the maximally-cautious default applied to any service
// name not explicitly declared in a workspace's security config.
var defaultTrust = ServiceTrust{
	PublicSource:    TriTrue,
	SecretData:      TriFalse,
	PublicSink:      TriFalse,
	DangerousWrites: TriTrue,
}

// WorkspaceSecurity is the trust table and secrets flag for one
// workspace. It is loaded once from config and shared (read-only, after
// load) by every gate created for that workspace.
type WorkspaceSecurity struct {
	Services        map[string]ServiceTrust
	ContainsSecrets bool
}

// TrustFor returns the trust record for service, falling back to the
// cautious default for anything not explicitly declared.
func (w *WorkspaceSecurity) TrustFor(service string) ServiceTrust {
	if w == nil || w.Services == nil {
		return defaultTrust
	}
	if t, ok := w.Services[service]; ok {
		return t
	}
	return defaultTrust
}

// ReferencesPublicSource reports whether any declared service (or the
// absence of a declaration, which defaults to public_source=true) would
// be reachable and untrusted. Used by the admin clean-room validator
// (§4.4, invariant S2) against the workspace's reachable MCP graph.
func (w *WorkspaceSecurity) ReferencesPublicSource(reachableServices []string) (string, bool) {
	for _, svc := range reachableServices {
		if w.TrustFor(svc).PublicSource.IsTrue() {
			return svc, true
		}
	}
	return "", false
}
