package security

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// SecretScanResult is returned by ScanPayloadForSecrets.
type SecretScanResult struct {
	SecretsFound bool
	Detected     []string
}

// secretPatterns are conservative shape-matches for common credential
// formats. False positives are tolerated (spec favors blocking over
// leaking); false negatives on exotic formats are expected — this is a
// payload scanner, not a replacement for the Cop or the approval gate.
var secretPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private_key_pem", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`)},
	{"generic_api_key_assignment", regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*['"][A-Za-z0-9_\-/+=]{16,}['"]`)},
	{"github_pat", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
}

// ScanPayloadForSecrets scans the string-valued fields of payload for
// secret-shaped content. Every write evaluated by the security gate runs
// through this regardless of taint state (SPEC_FULL.md §4).
func ScanPayloadForSecrets(payload map[string]any) SecretScanResult {
	result := SecretScanResult{}
	seen := make(map[string]bool)

	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, p := range secretPatterns {
				if p.re.MatchString(val) && !seen[p.name] {
					seen[p.name] = true
					result.SecretsFound = true
					result.Detected = append(result.Detected, p.name)
				}
			}
			if hasHighEntropyToken(val) && !seen["high_entropy_token"] {
				seen["high_entropy_token"] = true
				result.SecretsFound = true
				result.Detected = append(result.Detected, "high_entropy_token")
			}
		case map[string]any:
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}

	walk(map[string]any(payload))
	return result
}

// hasHighEntropyToken flags any whitespace-delimited token at least 24
// characters long whose Shannon entropy exceeds a threshold consistent
// with base64/hex-encoded key material rather than prose.
func hasHighEntropyToken(s string) bool {
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"',.;:()[]{}`)
		if len(tok) < 24 || len(tok) > 256 {
			continue
		}
		if shannonEntropy(tok) > 4.3 {
			return true
		}
	}
	return false
}

func shannonEntropy(s string) float64 {
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// summarizeForCop renders a write payload as human-readable text for
// Cop.InspectOutbound, avoiding a raw JSON dump the classifier would have
// to re-parse.
func summarizeForCop(payload map[string]any) string {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
