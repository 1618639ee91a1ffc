package security

import (
	"regexp"
	"sync"

	"github.com/crypdick/pynchy/internal/common/logger"
	"go.uber.org/zap"
)

// Decision is the result of a policy evaluation. It never itself
// performs a Cop call or writes a pending-approval file — those are the
// caller's job once NeedsHuman/NeedsDeputy are known.
type Decision struct {
	Allowed     bool
	Reason      string
	NeedsDeputy bool // Cop inspection required
	NeedsHuman  bool // approval gate required
}

// Gate holds the sticky taint state for one container invocation. Taints
// are monotonic: once set they are never cleared within the gate's
// lifetime (invariant S1). A fresh invocation gets a fresh Gate.
type Gate struct {
	WorkspaceFolder string
	InvocationTS    string

	security *WorkspaceSecurity

	mu                sync.Mutex
	corruptionTainted bool
	secretTainted     bool

	logger *logger.Logger
}

func NewGate(folder, invocationTS string, sec *WorkspaceSecurity, log *logger.Logger) *Gate {
	return &Gate{
		WorkspaceFolder: folder,
		InvocationTS:    invocationTS,
		security:        sec,
		logger: log.WithFields(
			zap.String("component", "security_gate"),
			zap.String("workspace", folder),
			zap.String("invocation_ts", invocationTS),
		),
	}
}

func (g *Gate) CorruptionTainted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.corruptionTainted
}

func (g *Gate) SecretTainted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.secretTainted
}

func (g *Gate) setCorruption() {
	g.mu.Lock()
	if !g.corruptionTainted {
		g.corruptionTainted = true
		g.logger.Info("corruption taint set")
	}
	g.mu.Unlock()
}

func (g *Gate) setSecret() {
	g.mu.Lock()
	if !g.secretTainted {
		g.secretTainted = true
		g.logger.Info("secret taint set")
	}
	g.mu.Unlock()
}

// NotifyFileAccess is called when the agent uses any file-access tool
// (Read, Execute, Bash). If the workspace declares contains_secrets, this
// alone taints the invocation even without an explicit secret-data read.
func (g *Gate) NotifyFileAccess() {
	if g.security != nil && g.security.ContainsSecrets {
		g.setSecret()
	}
}

// EvaluateRead evaluates a read from service. Cop inspection of the
// returned content (when NeedsDeputy is set) is the caller's
// responsibility — see the MCP proxy's response post-processing (§4.6).
func (g *Gate) EvaluateRead(service string) Decision {
	trust := g.security.TrustFor(service)

	if trust.PublicSource.IsForbidden() {
		return Decision{Allowed: false, Reason: "reading from '" + service + "' is forbidden"}
	}

	if trust.SecretData.IsTrue() {
		g.setSecret()
	}

	if trust.PublicSource.IsTrue() {
		g.setCorruption()
		return Decision{
			Allowed:     true,
			Reason:      "public source '" + service + "': deputy scan required",
			NeedsDeputy: true,
		}
	}

	return Decision{Allowed: true}
}

// EvaluateWrite evaluates a write/action on service. The payload is
// scanned for secrets regardless of taint state (a supplemented
// behavior, see SPEC_FULL.md §4).
func (g *Gate) EvaluateWrite(service string, payload map[string]any) Decision {
	trust := g.security.TrustFor(service)

	if trust.PublicSink.IsForbidden() {
		return Decision{Allowed: false, Reason: "writing to '" + service + "' is forbidden (public_sink)"}
	}
	if trust.DangerousWrites.IsForbidden() {
		return Decision{Allowed: false, Reason: "writing to '" + service + "' is forbidden (dangerous_writes)"}
	}

	needsDeputy := g.CorruptionTainted()
	needsHuman := trust.DangerousWrites.IsTrue()

	if g.CorruptionTainted() && g.SecretTainted() && trust.PublicSink.IsTrue() {
		needsHuman = true
	}

	scan := ScanPayloadForSecrets(payload)
	if scan.SecretsFound {
		needsHuman = true
	}

	reason := writeReason(needsDeputy, needsHuman, scan)
	return Decision{Allowed: true, Reason: reason, NeedsDeputy: needsDeputy, NeedsHuman: needsHuman}
}

func writeReason(needsDeputy, needsHuman bool, scan SecretScanResult) string {
	var parts []string
	if needsDeputy {
		parts = append(parts, "deputy (corruption taint)")
	}
	if needsHuman {
		parts = append(parts, "human confirmation")
	}
	if scan.SecretsFound {
		parts = append(parts, "secrets detected in payload")
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// networkCapableBash is a heuristic blacklist of commands that can reach
// the network, matching spec §4.4's "network-capable blacklist" clause.
var networkCapableBash = regexp.MustCompile(
	`\b(curl|wget|nc|ncat|netcat|ssh|scp|sftp|rsync|ftp|telnet)\b|` +
		`python[0-9.]*\s+-m\s+http|/dev/(tcp|udp)/|\bdocker\s+push\b`,
)

// EvaluateBash evaluates the agent's general escape hatch against the
// current taint state and a Cop verdict on the command text. The caller
// supplies the verdict (obtained via Cop.InspectOutbound) since only
// EvaluateBash's grey-zone and blacklist branches need it — the no-taint
// fast path never calls the Cop at all.
func (g *Gate) EvaluateBash(cmd string, copFlagged func() CopVerdict) Decision {
	corruption := g.CorruptionTainted()
	secret := g.SecretTainted()

	if !corruption && !secret {
		return Decision{Allowed: true}
	}

	if networkCapableBash.MatchString(cmd) {
		if corruption && secret {
			return Decision{Allowed: true, NeedsHuman: true, Reason: "network-capable command with full trifecta taint"}
		}
		verdict := copFlagged()
		if verdict.Flagged {
			return Decision{Allowed: false, Reason: "Cop flagged network-capable command: " + verdict.Reason}
		}
		return Decision{Allowed: true}
	}

	// Grey zone: not obviously network-capable, but taint is present.
	verdict := copFlagged()
	if verdict.Flagged {
		if corruption && secret {
			return Decision{Allowed: true, NeedsHuman: true, Reason: "Cop flagged command under full trifecta taint"}
		}
		return Decision{Allowed: false, Reason: "Cop flagged command: " + verdict.Reason}
	}
	return Decision{Allowed: true}
}
