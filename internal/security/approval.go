package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ipcfiles "github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/common/logger"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"go.uber.org/zap"
)

// ApprovalTimeout matches the container-side IPC response poll timeout:
// a pending approval older than this is auto-denied by the sweep.
const ApprovalTimeout = 300 * time.Second

// QuestionTimeout is the longer expiry for ask_user questions, which
// expect a conversational reply rather than a one-word decision.
const QuestionTimeout = 30 * time.Minute

// internalFields are omitted from the user-facing notification (they are
// plumbing, not something a human approving the action needs to see).
var internalFields = map[string]bool{"type": true, "request_id": true, "source_group": true}

const maxDetailLen = 100

// AuditRecorder is the narrow capability the approval manager needs to
// log decisions; implemented by the persistence layer.
type AuditRecorder interface {
	RecordSecurityEvent(chatJID, workspace, toolName, decision, requestID string)
}

// ApprovalManager implements the file-backed "awaiting human" state
// machine described in spec §4.5 and original_source/security/approval.py:
// pending approvals and their decisions are files on disk, not in-memory
// state, so the relation survives a crash.
type ApprovalManager struct {
	dataDir string
	audit   AuditRecorder
	logger  *logger.Logger
}

func NewApprovalManager(dataDir string, audit AuditRecorder, log *logger.Logger) *ApprovalManager {
	return &ApprovalManager{dataDir: dataDir, audit: audit, logger: log.WithFields(zap.String("component", "approval_manager"))}
}

// CreatePendingApproval atomically writes a pending_approvals/<id>.json
// file. It contains everything needed to re-dispatch the request later,
// so the decision handler is self-contained.
func (m *ApprovalManager) CreatePendingApproval(requestID, toolName, sourceGroup, chatJID string, requestData map[string]any) error {
	data := pipc.PendingApproval{
		RequestID:   requestID,
		ShortID:     shortID(requestID),
		ToolName:    toolName,
		SourceGroup: sourceGroup,
		ChatJID:     chatJID,
		RequestData: requestData,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	path := ipcfiles.PendingApprovalPath(m.dataDir, sourceGroup, requestID)
	if err := ipcfiles.WriteAtomic(path, data); err != nil {
		return err
	}
	m.logger.Info("pending approval created",
		zap.String("request_id", requestID),
		zap.String("tool_name", toolName),
		zap.String("source_group", sourceGroup))
	return nil
}

// CreatePendingQuestion atomically writes a pending_questions/<id>.json
// file for an ask_user request (spec §4.5). Unlike a pending approval,
// there is no decision-file protocol here: the channel plugin posts an
// interactive widget out of band and the human's answer is written
// straight to responses/<request_id>.json by that external collaborator,
// which is what unblocks the container (spec's channel-plugin boundary).
func (m *ApprovalManager) CreatePendingQuestion(requestID, sourceGroup, chatJID string, questions []pipc.QuestionBlock) error {
	data := pipc.PendingQuestion{
		RequestID:   requestID,
		ShortID:     shortID(requestID),
		SourceGroup: sourceGroup,
		ChatJID:     chatJID,
		Questions:   questions,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	path := ipcfiles.PendingQuestionPath(m.dataDir, sourceGroup, requestID)
	if err := ipcfiles.WriteAtomic(path, data); err != nil {
		return err
	}
	m.logger.Info("pending question created",
		zap.String("request_id", requestID),
		zap.String("source_group", sourceGroup),
		zap.Int("question_count", len(questions)))
	return nil
}

// SweepExpiredQuestions auto-denies ask_user requests left unanswered
// past QuestionTimeout, writing an error response so the blocked
// container resumes with a failure rather than hanging forever.
func (m *ApprovalManager) SweepExpiredQuestions() []pipc.PendingQuestion {
	ipcRoot := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(ipcRoot)
	if err != nil {
		return nil
	}

	now := time.Now().UTC()
	var expired []pipc.PendingQuestion
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		folder := e.Name()
		dir := filepath.Join(ipcRoot, folder, "pending_questions")
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, f.Name())
			var pq pipc.PendingQuestion
			if err := ipcfiles.ReadJSON(path, &pq); err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, pq.Timestamp)
			if err != nil {
				continue
			}
			if now.Sub(ts) <= QuestionTimeout {
				continue
			}
			ipcfiles.WriteAtomic(ipcfiles.ResponsePath(m.dataDir, folder, pq.RequestID),
				&pipc.Response{OK: false, Error: "Question expired (no answer within timeout)"})
			if m.audit != nil {
				m.audit.RecordSecurityEvent(pq.ChatJID, folder, "ask_user", "question_expired", pq.RequestID)
			}
			os.Remove(path)
			expired = append(expired, pq)
			m.logger.Info("expired pending question auto-answered with error",
				zap.String("request_id", pq.RequestID), zap.Duration("age", now.Sub(ts)))
		}
	}
	return expired
}

// ListPendingApprovals lists all pending approvals, optionally filtered
// to a single workspace folder, sorted oldest-first.
func (m *ApprovalManager) ListPendingApprovals(folder string) []pipc.PendingApproval {
	ipcRoot := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(ipcRoot)
	if err != nil {
		return nil
	}

	var groups []string
	if folder != "" {
		groups = []string{folder}
	} else {
		for _, e := range entries {
			if e.IsDir() && e.Name() != "errors" {
				groups = append(groups, e.Name())
			}
		}
	}

	var results []pipc.PendingApproval
	for _, g := range groups {
		dir := filepath.Join(ipcRoot, g, "pending_approvals")
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			var pa pipc.PendingApproval
			if err := ipcfiles.ReadJSON(filepath.Join(dir, f.Name()), &pa); err != nil {
				m.logger.Warn("failed to read pending approval", zap.String("path", f.Name()), zap.Error(err))
				continue
			}
			results = append(results, pa)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Timestamp < results[j].Timestamp })
	return results
}

// FindByShortID finds a pending approval whose request id starts with
// shortID, searching every workspace's pending_approvals directory. This
// lets a chat command like "approve a1b2c3d4" work without the user
// knowing which workspace it belongs to.
func (m *ApprovalManager) FindByShortID(shortID string) (pipc.PendingApproval, string, bool) {
	ipcRoot := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(ipcRoot)
	if err != nil {
		return pipc.PendingApproval{}, "", false
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		dir := filepath.Join(ipcRoot, e.Name(), "pending_approvals")
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasPrefix(f.Name(), shortID) {
				var pa pipc.PendingApproval
				if err := ipcfiles.ReadJSON(filepath.Join(dir, f.Name()), &pa); err == nil {
					return pa, e.Name(), true
				}
			}
		}
	}
	return pipc.PendingApproval{}, "", false
}

// Decide processes a human decision for a pending approval: denies write
// an error IPC response, approvals are left for the caller's original
// handler to re-execute (the caller passes reExecute=nil to just deny).
// Either branch deletes both the pending and decision files and records
// an audit event.
func (m *ApprovalManager) Decide(folder, requestID string, approved bool, decidedBy string, reExecute func(pipc.PendingApproval) (*pipc.Response, error)) error {
	pendingPath := ipcfiles.PendingApprovalPath(m.dataDir, folder, requestID)
	var pa pipc.PendingApproval
	if err := ipcfiles.ReadJSON(pendingPath, &pa); err != nil {
		return err
	}

	var resp *pipc.Response
	decision := "denied"
	if approved {
		decision = "approved"
		if reExecute != nil {
			r, err := reExecute(pa)
			if err != nil {
				resp = &pipc.Response{OK: false, Error: err.Error()}
			} else {
				resp = r
			}
		} else {
			resp = &pipc.Response{OK: true}
		}
	} else {
		resp = &pipc.Response{OK: false, Error: "Denied by user"}
	}

	if err := ipcfiles.WriteAtomic(ipcfiles.ResponsePath(m.dataDir, folder, requestID), resp); err != nil {
		return err
	}

	os.Remove(pendingPath)
	os.Remove(ipcfiles.ApprovalDecisionPath(m.dataDir, folder, requestID))

	if m.audit != nil {
		m.audit.RecordSecurityEvent(pa.ChatJID, folder, pa.ToolName, decision, requestID)
	}
	m.logger.Info("approval decided", zap.String("request_id", requestID), zap.String("decision", decision))
	return nil
}

// SweepExpired auto-denies pending approvals older than ApprovalTimeout
// and removes orphaned decision files (a decision with no matching
// pending). Run at startup for crash recovery and optionally on a slow
// timer.
func (m *ApprovalManager) SweepExpired() []pipc.PendingApproval {
	ipcRoot := filepath.Join(m.dataDir, "ipc")
	entries, err := os.ReadDir(ipcRoot)
	if err != nil {
		return nil
	}

	now := time.Now().UTC()
	var expired []pipc.PendingApproval

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		folder := e.Name()
		pendingDir := filepath.Join(ipcRoot, folder, "pending_approvals")
		decisionsDir := filepath.Join(ipcRoot, folder, "approval_decisions")

		pendingIDs := make(map[string]bool)
		if files, err := os.ReadDir(pendingDir); err == nil {
			for _, f := range files {
				if !strings.HasSuffix(f.Name(), ".json") {
					continue
				}
				id := strings.TrimSuffix(f.Name(), ".json")
				pendingIDs[id] = true

				var pa pipc.PendingApproval
				path := filepath.Join(pendingDir, f.Name())
				if err := ipcfiles.ReadJSON(path, &pa); err != nil {
					continue
				}
				ts, err := time.Parse(time.RFC3339Nano, pa.Timestamp)
				if err != nil {
					continue
				}
				if now.Sub(ts) > ApprovalTimeout {
					ipcfiles.WriteAtomic(ipcfiles.ResponsePath(m.dataDir, folder, pa.RequestID),
						&pipc.Response{OK: false, Error: "Approval expired (no response within timeout)"})
					if m.audit != nil {
						m.audit.RecordSecurityEvent(pa.ChatJID, folder, pa.ToolName, "approval_expired", pa.RequestID)
					}
					os.Remove(path)
					expired = append(expired, pa)
					m.logger.Info("expired pending approval auto-denied",
						zap.String("request_id", pa.RequestID),
						zap.Duration("age", now.Sub(ts)))
				}
			}
		}

		if files, err := os.ReadDir(decisionsDir); err == nil {
			for _, f := range files {
				id := strings.TrimSuffix(f.Name(), ".json")
				if !pendingIDs[id] {
					m.logger.Info("removing orphaned decision file", zap.String("path", f.Name()))
					os.Remove(filepath.Join(decisionsDir, f.Name()))
				}
			}
		}
	}
	return expired
}

// FormatNotification renders a user-facing approval card: tool name,
// sanitized details (internal fields omitted, long values truncated),
// and the approve/deny footer.
func FormatNotification(toolName string, requestData map[string]any, shortID string) string {
	var details []string
	for k, v := range requestData {
		if internalFields[k] || strings.HasPrefix(k, "_") {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if len(s) > maxDetailLen {
			s = s[:maxDetailLen] + "..."
		}
		details = append(details, fmt.Sprintf("  %s: %s", k, s))
	}
	sort.Strings(details)

	detailsStr := "  (no details)"
	if len(details) > 0 {
		detailsStr = strings.Join(details, "\n")
	}

	return fmt.Sprintf(
		"\U0001F510 Approval required\n\nAction: %s\nDetails:\n%s\n\n→ approve %s  /  deny %s",
		toolName, detailsStr, shortID, shortID,
	)
}

func shortID(requestID string) string {
	if len(requestID) <= 8 {
		return requestID
	}
	return requestID[:8]
}
