package ipc

import (
	"context"
	"strings"
	"sync"

	"github.com/crypdick/pynchy/internal/common/logger"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"go.uber.org/zap"
)

// HandlerContext carries everything spec §4.3 says every handler
// receives: the source workspace, its admin flag, and the narrow
// capability object (Deps) the handler needs — never the orchestrator
// itself (the dependency-object pattern from §9).
type HandlerContext struct {
	SourceFolder string
	IsAdmin      bool
	Deps         any
}

// HandlerFunc handles one tier-2 request and returns the response to
// write, or an error. Returning apperr.NeedsHuman-kind errors is not
// treated as failure by the dispatcher: handlers that need a human are
// expected to have already written the pending_approvals file themselves
// and simply return that sentinel so the dispatcher skips writing a
// response file.
type HandlerFunc func(ctx context.Context, req pipc.Request, hc HandlerContext) (*pipc.Response, error)

// SignalFunc handles one tier-1 signal.
type SignalFunc func(ctx context.Context, hc HandlerContext)

// ApprovalDecisionFunc handles one human decision on a pending approval,
// named by requestID, within the workspace carried on hc.
type ApprovalDecisionFunc func(ctx context.Context, requestID string, decision pipc.ApprovalDecision, hc HandlerContext)

type prefixEntry struct {
	prefix  string
	handler HandlerFunc
}

// Registry is the dispatcher's handler table: exact type lookup first,
// then an ordered list of prefix handlers (e.g. "service:").
// New handlers register themselves at construction time; there is no
// dynamic reload.
type Registry struct {
	mu               sync.RWMutex
	exact            map[string]HandlerFunc
	prefixes         []prefixEntry
	signals          map[string]SignalFunc
	approvalDecision ApprovalDecisionFunc
	logger           *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		exact:   make(map[string]HandlerFunc),
		signals: make(map[string]SignalFunc),
		logger:  log.WithFields(zap.String("component", "ipc_dispatch")),
	}
}

// RegisterExact registers a handler for an exact request type.
func (r *Registry) RegisterExact(reqType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[reqType] = h
}

// RegisterPrefix registers a handler for any type beginning with prefix
// (e.g. "service:"); the handler is responsible for parsing the suffix.
func (r *Registry) RegisterPrefix(prefix string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, handler: h})
}

// RegisterSignal registers a tier-1 signal handler.
func (r *Registry) RegisterSignal(name string, h SignalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[name] = h
}

// Lookup resolves a request type to a handler: exact match first, then
// the first matching prefix in registration order.
func (r *Registry) Lookup(reqType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[reqType]; ok {
		return h, true
	}
	for _, pe := range r.prefixes {
		if strings.HasPrefix(reqType, pe.prefix) {
			return pe.handler, true
		}
	}
	return nil, false
}

// LookupSignal resolves a signal name.
func (r *Registry) LookupSignal(name string) (SignalFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.signals[name]
	return h, ok
}

// RegisterApprovalDecision installs the single handler invoked whenever a
// human writes an approval_decisions/<request_id>.json file (spec §4.5).
// There is only ever one: the security package's ApprovalManager.Decide.
func (r *Registry) RegisterApprovalDecision(h ApprovalDecisionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvalDecision = h
}

func (r *Registry) lookupApprovalDecision() (ApprovalDecisionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approvalDecision, r.approvalDecision != nil
}
