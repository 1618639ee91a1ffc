package security

import (
	"testing"

	"github.com/crypdick/pynchy/internal/common/logger"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"github.com/stretchr/testify/require"
)

type noopAudit struct{ events int }

func (a *noopAudit) RecordSecurityEvent(chatJID, workspace, toolName, decision, requestID string) {
	a.events++
}

func TestApprovalCycle(t *testing.T) {
	dir := t.TempDir()
	audit := &noopAudit{}
	m := NewApprovalManager(dir, audit, logger.Default())

	require.NoError(t, m.CreatePendingApproval("req1", "bash", "ws1", "chat1", map[string]any{"command": "ls"}))

	pending := m.ListPendingApprovals("ws1")
	require.Len(t, pending, 1)
	require.Equal(t, "req1"[:4], pending[0].ShortID[:4])

	found, folder, ok := m.FindByShortID(pending[0].ShortID)
	require.True(t, ok)
	require.Equal(t, "ws1", folder)
	require.Equal(t, "req1", found.RequestID)

	reExecuted := false
	require.NoError(t, m.Decide("ws1", "req1", true, "alice", func(pa pipc.PendingApproval) (*pipc.Response, error) {
		reExecuted = true
		return &pipc.Response{OK: true}, nil
	}))
	require.True(t, reExecuted)
	require.Equal(t, 1, audit.events)
	require.Empty(t, m.ListPendingApprovals("ws1"))
}

func TestApprovalDeny(t *testing.T) {
	dir := t.TempDir()
	m := NewApprovalManager(dir, &noopAudit{}, logger.Default())

	require.NoError(t, m.CreatePendingApproval("req2", "deploy", "ws1", "chat1", nil))
	require.NoError(t, m.Decide("ws1", "req2", false, "bob", nil))
	require.Empty(t, m.ListPendingApprovals("ws1"))
}

func TestPendingQuestionLifecycle(t *testing.T) {
	dir := t.TempDir()
	m := NewApprovalManager(dir, &noopAudit{}, logger.Default())

	questions := []pipc.QuestionBlock{{ID: "q1", Prompt: "Proceed?", Options: []string{"yes", "no"}}}
	require.NoError(t, m.CreatePendingQuestion("req3", "ws1", "chat1", questions))

	// Not yet expired: sweeping immediately should leave it in place.
	expired := m.SweepExpiredQuestions()
	require.Empty(t, expired)
}

func TestSweepExpiredOrphanedDecision(t *testing.T) {
	dir := t.TempDir()
	m := NewApprovalManager(dir, &noopAudit{}, logger.Default())

	// No matching pending approval: a decision file alone is orphaned and
	// should be removed by the sweep without panicking.
	require.NoError(t, m.CreatePendingApproval("req4", "bash", "ws1", "chat1", nil))
	require.NoError(t, m.Decide("ws1", "req4", true, "carol", nil))

	expired := m.SweepExpired()
	require.Empty(t, expired)
}
