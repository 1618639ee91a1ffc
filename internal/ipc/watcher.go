package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/crypdick/pynchy/internal/common/errors"
	"github.com/crypdick/pynchy/internal/common/logger"
	pipc "github.com/crypdick/pynchy/pkg/ipc"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WorkspaceResolver answers whether folder is a known workspace and
// whether it is an admin workspace, without the ipc package importing
// the workspace registry type directly.
type WorkspaceResolver interface {
	IsAdmin(folder string) bool
}

// Watcher watches every workspace's tasks/ directory for new request
// files and dispatches them through a Registry. Per §9's file-watch
// design note, the fsnotify goroutine only posts paths into a channel;
// a separate consumer drains it and does the (potentially slow) dispatch
// work, so the watcher itself stays cheap.
type Watcher struct {
	dataDir  string
	registry *Registry
	resolver WorkspaceResolver
	deps     any
	logger   *logger.Logger

	fsw     *fsnotify.Watcher
	events  chan string
	mu      sync.Mutex
	running bool
	watched map[string]bool
}

func NewWatcher(dataDir string, reg *Registry, resolver WorkspaceResolver, deps any, log *logger.Logger) *Watcher {
	return &Watcher{
		dataDir:  dataDir,
		registry: reg,
		resolver: resolver,
		deps:     deps,
		logger:   log.WithFields(zap.String("component", "ipc_watcher")),
		events:   make(chan string, 256),
		watched:  make(map[string]bool),
	}
}

// Start begins watching and spawns the consumer loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return errors.Transient("create fsnotify watcher", err)
	}
	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	go w.watchLoop(ctx)
	go w.consumeLoop(ctx)
	return nil
}

// Stop tears down the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	if w.fsw != nil {
		w.fsw.Close()
	}
}

// WatchWorkspace adds folder's tasks/, approval_decisions/ and
// pending_questions/ directories to the fsnotify watch list. Called
// whenever a new workspace is registered so the watcher does not need a
// static, ahead-of-time workspace list.
func (w *Watcher) WatchWorkspace(folder string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := filepath.Join(w.dataDir, "ipc", folder)
	for _, sub := range []string{"tasks", "approval_decisions"} {
		dir := filepath.Join(root, sub)
		if w.watched[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := w.fsw.Add(dir); err != nil {
			return errors.Transient("watch "+dir, err)
		}
		w.watched[dir] = true
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			select {
			case w.events <- ev.Name:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) consumeLoop(ctx context.Context) {
	// Batch bursts of create events (e.g. a directory backfill on
	// startup) and process each workspace's files in filename-sort
	// order, matching the monotonic-nanosecond-id ordering guarantee.
	pending := make(map[string][]string)
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-w.events:
			if !ok {
				return
			}
			dir := filepath.Dir(path)
			pending[dir] = append(pending[dir], path)
			// Drain any further immediately-available events before
			// dispatching, so a burst is processed as one sorted batch.
			drained := true
			for drained {
				select {
				case p := <-w.events:
					pending[filepath.Dir(p)] = append(pending[filepath.Dir(p)], p)
				default:
					drained = false
				}
			}
			for d, paths := range pending {
				sort.Strings(paths)
				for _, p := range paths {
					w.dispatchFile(ctx, p)
				}
				delete(pending, d)
			}
		}
	}
}

func (w *Watcher) dispatchFile(ctx context.Context, path string) {
	folder := workspaceFolderFromPath(path)
	kind := filepath.Base(filepath.Dir(path))

	b, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed/removed by a concurrent watcher tick
	}

	switch kind {
	case "tasks":
		w.dispatchTask(ctx, folder, path, b)
	case "approval_decisions":
		w.dispatchApprovalDecision(ctx, folder, path, b)
	}
}

func (w *Watcher) dispatchApprovalDecision(ctx context.Context, folder, path string, b []byte) {
	requestID := strings.TrimSuffix(filepath.Base(path), ".json")

	var decision pipc.ApprovalDecision
	if err := json.Unmarshal(b, &decision); err != nil {
		w.logger.Warn("malformed approval decision, dropping", zap.String("path", path), zap.Error(err))
		os.Remove(path)
		return
	}

	h, ok := w.registry.lookupApprovalDecision()
	if !ok {
		w.logger.Warn("approval decision received but no handler registered", zap.String("request_id", requestID))
		return
	}
	hc := HandlerContext{SourceFolder: folder, IsAdmin: w.resolver.IsAdmin(folder), Deps: w.deps}
	h(ctx, requestID, decision, hc)
}

func (w *Watcher) dispatchTask(ctx context.Context, folder, path string, b []byte) {
	// Tier-1 signal: bare {"signal": "..."} with at most a timestamp.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		w.logger.Warn("malformed IPC file, dropping", zap.String("path", path), zap.Error(err))
		os.Remove(path)
		return
	}

	if sigRaw, ok := probe["signal"]; ok {
		var name string
		if err := json.Unmarshal(sigRaw, &name); err != nil || !pipc.KnownSignals[name] {
			w.logger.Warn("unknown or malformed signal, dropping", zap.String("path", path))
			os.Remove(path)
			return
		}
		if len(probe) > 2 { // signal + optional timestamp only
			w.logger.Warn("signal has unexpected extra keys, dropping", zap.String("path", path))
			os.Remove(path)
			return
		}
		if h, ok := w.registry.LookupSignal(name); ok {
			h(ctx, HandlerContext{SourceFolder: folder, IsAdmin: w.resolver.IsAdmin(folder), Deps: w.deps})
		}
		os.Remove(path)
		return
	}

	var req pipc.Request
	if err := json.Unmarshal(b, &req); err != nil || req.Type == "" {
		w.logger.Warn("malformed IPC request, dropping", zap.String("path", path))
		os.Remove(path)
		return
	}

	handler, ok := w.registry.Lookup(req.Type)
	if !ok {
		w.logger.Warn("unknown IPC request type", zap.String("type", req.Type), zap.String("path", path))
		os.Remove(path)
		return
	}

	hc := HandlerContext{SourceFolder: folder, IsAdmin: w.resolver.IsAdmin(folder), Deps: w.deps}
	resp, err := handler(ctx, req, hc)
	os.Remove(path) // the request file itself is always consumed

	if err != nil {
		if errors.IsNeedsHuman(err) {
			// Handler already wrote pending_approvals/<id>.json; no
			// response file until a decision arrives.
			return
		}
		resp = &pipc.Response{OK: false, Error: err.Error()}
	}
	if resp == nil {
		return
	}
	if req.RequestID == "" {
		return
	}
	respPath := ResponsePath(w.dataDir, folder, req.RequestID)
	if werr := WriteAtomic(respPath, resp); werr != nil {
		w.logger.Error("failed to write IPC response", zap.String("path", respPath), zap.Error(werr))
	}
}

func workspaceFolderFromPath(path string) string {
	// .../ipc/<folder>/<kind>/<file>.json
	dir := filepath.Dir(filepath.Dir(path))
	return filepath.Base(dir)
}
