package persistence

import (
	"testing"

	"github.com/crypdick/pynchy/internal/security"
)

func TestWorkspaceOverlay_CleanRoomViolation(t *testing.T) {
	cases := []struct {
		name      string
		overlay   WorkspaceOverlay
		wantBad   bool
		wantSvc   string
	}{
		{
			name:    "no declared services is clean (no reachable services to check)",
			overlay: WorkspaceOverlay{},
			wantBad: false,
		},
		{
			name: "explicit public_source service violates",
			overlay: WorkspaceOverlay{Services: map[string]security.ServiceTrust{
				"browser": {PublicSource: security.TriTrue},
			}},
			wantBad: true,
			wantSvc: "browser",
		},
		{
			name: "explicit public_source=false service is clean",
			overlay: WorkspaceOverlay{Services: map[string]security.ServiceTrust{
				"internal_db": {PublicSource: security.TriFalse},
			}},
			wantBad: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, violates := tc.overlay.CleanRoomViolation()
			if violates != tc.wantBad {
				t.Fatalf("violates = %v, want %v", violates, tc.wantBad)
			}
			if tc.wantBad && svc != tc.wantSvc {
				t.Fatalf("service = %q, want %q", svc, tc.wantSvc)
			}
		})
	}
}

func TestWorkspaceOverlay_EncodeDecodeRoundTrip(t *testing.T) {
	w := &WorkspaceProfile{}
	overlay := WorkspaceOverlay{
		RepositoryPath:  "/repo",
		ContainsSecrets: true,
		Services: map[string]security.ServiceTrust{
			"github": {PublicSource: security.TriFalse, DangerousWrites: security.TriTrue},
		},
	}
	if err := w.EncodeOverlay(overlay); err != nil {
		t.Fatalf("EncodeOverlay: %v", err)
	}
	got := w.Overlay()
	if got.RepositoryPath != overlay.RepositoryPath || got.ContainsSecrets != overlay.ContainsSecrets {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Services["github"].DangerousWrites != security.TriTrue {
		t.Fatalf("services round trip mismatch: %+v", got.Services)
	}
}
