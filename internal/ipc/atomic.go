// Package ipc implements the host side of the file-based IPC protocol:
// atomic JSON writes, a directory watcher, and a typed handler registry
// that dispatches tier-1 signals and tier-2 requests without blocking
// the watcher goroutine.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic marshals v and writes it to path using the write-tmp,
// fsync, rename sequence every IPC writer in this package follows so
// readers never observe a partially-written file.
func WriteAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomicBytes(path, b)
}

// WriteAtomicBytes is the byte-level primitive WriteAtomic builds on; used
// directly by callers that already have serialized content (e.g. relaying
// an MCP response body unchanged).
func WriteAtomicBytes(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals path into v. Callers treat a malformed
// file as a schema error: log it, delete it, move on — they do not
// propagate the error past the dispatcher.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Dirs is the fixed set of per-workspace IPC subdirectories spec §6
// names. Namespace creates all of them under the workspace's ipc root so
// every handler can assume they exist.
var Dirs = []string{
	"messages", "input", "tasks", "responses",
	"pending_approvals", "approval_decisions",
	"pending_questions", "merge_results",
}

// Namespace returns the ipc root for a workspace folder and ensures its
// subdirectories exist.
func Namespace(dataDir, folder string) (string, error) {
	root := filepath.Join(dataDir, "ipc", folder)
	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s/%s: %w", root, d, err)
		}
	}
	return root, nil
}

// ResponsePath builds the path a tier-2 response for requestID is written
// to within a workspace's ipc namespace.
func ResponsePath(dataDir, folder, requestID string) string {
	return filepath.Join(dataDir, "ipc", folder, "responses", requestID+".json")
}

// PendingApprovalPath builds the path a pending approval file lives at.
func PendingApprovalPath(dataDir, folder, requestID string) string {
	return filepath.Join(dataDir, "ipc", folder, "pending_approvals", requestID+".json")
}

// ApprovalDecisionPath builds the path a human's decision file lives at.
func ApprovalDecisionPath(dataDir, folder, requestID string) string {
	return filepath.Join(dataDir, "ipc", folder, "approval_decisions", requestID+".json")
}

// PendingQuestionPath builds the path a pending ask_user file lives at.
func PendingQuestionPath(dataDir, folder, requestID string) string {
	return filepath.Join(dataDir, "ipc", folder, "pending_questions", requestID+".json")
}

// MergeResultPath builds the path a synchronous git-op result sink lives at.
func MergeResultPath(dataDir, folder, requestID string) string {
	return filepath.Join(dataDir, "ipc", folder, "merge_results", requestID+".json")
}

// CloseSentinelPath builds the path of the shutdown sentinel a container
// watches for in its input directory.
func CloseSentinelPath(dataDir, folder string) string {
	return filepath.Join(dataDir, "ipc", folder, "input", "_close")
}

// PathIn builds an arbitrary path under a workspace's ipc namespace,
// for callers (like the container spawner's initial.json) that don't
// have a dedicated path-builder function of their own.
func PathIn(dataDir, folder, subdir, filename string) string {
	return filepath.Join(dataDir, "ipc", folder, subdir, filename)
}
