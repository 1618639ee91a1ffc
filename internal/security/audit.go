package security

import (
	"github.com/crypdick/pynchy/internal/common/logger"
	"go.uber.org/zap"
)

// LogAuditRecorder is a minimal AuditRecorder that only logs. The real
// deployment wires internal/store's sqlite-backed recorder instead; this
// exists for tests and as the zero-dependency fallback.
type LogAuditRecorder struct {
	logger *logger.Logger
}

func NewLogAuditRecorder(log *logger.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{logger: log.WithFields(zap.String("component", "security_audit"))}
}

func (r *LogAuditRecorder) RecordSecurityEvent(chatJID, workspace, toolName, decision, requestID string) {
	r.logger.Info("security_audit",
		zap.String("chat_jid", chatJID),
		zap.String("workspace", workspace),
		zap.String("tool_name", toolName),
		zap.String("decision", decision),
		zap.String("request_id", requestID),
	)
}
