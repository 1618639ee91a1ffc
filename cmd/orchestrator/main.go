// Package main is the entry point for the Orchestrator service: it wires
// persistence, the group queue, container spawning, the security gate,
// the MCP proxy, multi-channel fan-out, worktree management and the task
// scheduler together, then serves the host's HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/common/config"
	"github.com/crypdick/pynchy/internal/common/httpmw"
	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/common/tracing"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/deploy"
	"github.com/crypdick/pynchy/internal/github"
	"github.com/crypdick/pynchy/internal/groupqueue"
	"github.com/crypdick/pynchy/internal/handlers"
	"github.com/crypdick/pynchy/internal/ipc"
	"github.com/crypdick/pynchy/internal/mcpproxy"
	"github.com/crypdick/pynchy/internal/persistence"
	"github.com/crypdick/pynchy/internal/scheduler"
	"github.com/crypdick/pynchy/internal/security"
	"github.com/crypdick/pynchy/internal/worktree"
	"github.com/crypdick/pynchy/internal/workspace"
	"github.com/crypdick/pynchy/internal/wsgateway"
)

// passthroughClassifier is the zero-dependency Cop oracle: it never
// flags anything. Cop's own policy is fail-open on classifier error, so
// an operator who has not wired a real LLM classifier gets the same
// "don't block, just don't inspect" behavior instead of a crash.
type passthroughClassifier struct{}

func (passthroughClassifier) Classify(ctx context.Context, systemPrompt, userContent string) (security.CopVerdict, error) {
	return security.CopVerdict{Flagged: false}, nil
}

// workspaceResolver adapts the persistence store to ipc.WorkspaceResolver.
type workspaceResolver struct {
	store *persistence.Store
}

func (r *workspaceResolver) IsAdmin(folder string) bool {
	profile, err := r.store.GetWorkspaceByFolder(context.Background(), folder)
	if err != nil {
		return false
	}
	return profile.IsAdmin
}

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting pynchy orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()

	// 2b. Data dir + the self-update/rollback subsystem (spec §6). This
	// runs before anything else touches the repository: if the previous
	// start failed startup validation and recorded a rollback
	// continuation, consume it now so this retry sees a known-good tree.
	dataDir, err := cfg.Pynchy.ExpandedDataDir()
	if err != nil {
		log.Fatal("failed to expand data dir", zap.Error(err))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatal("failed to create data dir", zap.Error(err))
	}
	deploy.ConsumeRollbackContinuation(cfg.Pynchy.RepoDir, dataDir, log)
	deployer := deploy.New(cfg.Pynchy.RepoDir, dataDir, nil, log)

	// 3. Open the relational store (spec §6).
	store, closeStore, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to open persistence store", zap.Error(err))
	}
	defer closeStore()

	// 3b. Admin clean-room validation (spec §4.4 invariant S2): a
	// violation is terminal; the process records a rollback continuation
	// (consumed by the next start, above) and exits 1 rather than serving
	// (spec §7 Configuration error, §6 Exit codes).
	if err := store.ValidateAdminCleanRoom(ctx); err != nil {
		if rbErr := deployer.RecordStartupFailure(err.Error()); rbErr != nil {
			log.Error("failed to record rollback continuation", zap.Error(rbErr))
		}
		log.Fatal("admin clean-room validation failed", zap.Error(err))
	}

	// 4. Docker client and container spawner (spec §4.2).
	dockerClient, err := container.NewDockerClient(log)
	if err != nil {
		log.Fatal("failed to create docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	containerCfg := container.DefaultConfig()
	if sb, ok := cfg.Pynchy.Sandbox[cfg.Pynchy.DefaultSandbox]; ok {
		containerCfg.Image = sb.Image
		if sb.MemoryBytes > 0 {
			containerCfg.MemoryBytes = sb.MemoryBytes
		}
		if sb.CPUQuota > 0 {
			containerCfg.CPUQuota = sb.CPUQuota
		}
	}
	spawner := container.NewSpawner(containerCfg, dockerClient, log)
	if err := spawner.KillOrphans(ctx); err != nil {
		log.Warn("failed to clean up orphaned containers", zap.Error(err))
	}

	// 5. Worktree manager (spec §4.8).
	worktreeStore, err := worktree.NewSQLiteStore(store.DB())
	if err != nil {
		log.Fatal("failed to initialize worktree store", zap.Error(err))
	}
	worktreeMgr, err := worktree.NewManager(worktree.Config{
		Enabled:     true,
		MergePolicy: cfg.Pynchy.WorkspaceDefaults.MergePolicy,
	}, worktreeStore, log)
	if err != nil {
		log.Fatal("failed to initialize worktree manager", zap.Error(err))
	}

	broadcaster := channels.NewBroadcaster(store, nil, log)
	worktreeMgr.SetNotifier(&workspace.BroadcastNotifier{Store: store, Broadcaster: broadcaster})
	if cfg.Pynchy.WorkspaceDefaults.MergePolicy == worktree.MergePolicyPullRequest {
		worktreeMgr.SetPullRequestOpener(github.NewPullRequestOpener(github.NewGHClient()))
	}

	// 6. Security: gate registry, human-approval manager, Cop inspector
	// (spec §4.4, §4.5).
	gates := security.NewGateRegistry(log)
	approvals := security.NewApprovalManager(dataDir, security.NewLogAuditRecorder(log), log)
	cop := security.NewCop(passthroughClassifier{}, log)

	// Expiry sweep (spec §4.5): run once at startup for crash recovery,
	// then on a slow timer so a human who never replies doesn't leave a
	// container blocked forever.
	sweepPending := func() {
		for _, pa := range approvals.SweepExpired() {
			log.Info("approval auto-denied on sweep", zap.String("request_id", pa.RequestID))
		}
		for _, pq := range approvals.SweepExpiredQuestions() {
			log.Info("question auto-answered on sweep", zap.String("request_id", pq.RequestID))
		}
	}
	sweepPending()
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				sweepPending()
			}
		}
	}()

	// 7. MCP proxy (spec §4.6).
	proxy := mcpproxy.New(gates, cop, log)
	if err := proxy.Start(ctx); err != nil {
		log.Fatal("failed to start mcp proxy", zap.Error(err))
	}
	defer proxy.Stop(context.Background())
	log.Info("mcp proxy listening", zap.Int("port", proxy.Port()))

	// 8. IPC dispatch registry and file watcher (spec §4.3).
	reg := ipc.NewRegistry(log)
	resolver := &workspaceResolver{store: store}
	watcher := ipc.NewWatcher(dataDir, reg, resolver, nil, log)

	// 9. The shared container-invocation path, used by both the group
	// queue's message processor and the scheduler's agent invoker.
	invoker := workspace.New(store, worktreeMgr, spawner, gates, watcher, cfg.Pynchy, log)

	// 10. Group queue (spec §4.1).
	queue := groupqueue.New(groupqueue.Config{
		MaxConcurrent:    cfg.Pynchy.MaxConcurrent,
		BaseRetryDelay:   2 * time.Second,
		MaxRetryAttempts: 5,
	}, invoker.ProcessMessages, log)

	handlers.Register(reg, handlers.Deps{
		Store:       store,
		Queue:       queue,
		Worktree:    worktreeMgr,
		Gates:       gates,
		Approvals:   approvals,
		Proxy:       proxy,
		Broadcaster: broadcaster,
		Logger:      log,
	})
	if err := watcher.Start(ctx); err != nil {
		log.Fatal("failed to start ipc watcher", zap.Error(err))
	}

	// 11. Multi-channel reconciliation (spec §4.7). No channel plugins
	// are implemented in this service (Slack/WhatsApp/TUI adapters are
	// out of scope); the reconciler runs with an empty channel set so
	// jid aliasing and the outbound ledger are still exercised by
	// sync_worktree_to_main's broadcast path above.
	reconciler := channels.NewReconciler(store, nil, queue, channels.AllowAll, log)
	reconcileTicker := time.NewTicker(45 * time.Second)
	defer reconcileTicker.Stop()
	go func() {
		reconciler.Run(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcileTicker.C:
				reconciler.Run(ctx)
			}
		}
	}()

	// 12. Task scheduler (spec §4.9).
	pollInterval := time.Duration(cfg.Pynchy.PollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	sched := scheduler.New(store, queue, invoker.RunScheduledPrompt, pollInterval, log)
	go sched.Run(ctx)

	// 13. HTTP server: health, deploy, and the TUI API.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.OtelTracing("orchestrator"))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		sha, commit, err := deployer.Head(c.Request.Context())
		if err != nil {
			log.Warn("failed to resolve head for health check", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"uptime_seconds":     int64(time.Since(startTime).Seconds()),
			"head_sha":           sha,
			"head_commit":        commit,
			"channels_connected": 0, // no channel plugins are wired into this service (spec's Non-goal boundary)
		})
	})

	router.POST("/deploy", func(c *gin.Context) {
		result, err := deployer.Deploy(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"status": result.Status, "error": err.Error(), "previous_sha": result.PreviousSHA})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	hub := wsgateway.NewHub(log)
	registerAPIRoutes(router, store, queue, hub, log)
	go broadcastStatus(ctx, store, queue, hub)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down pynchy orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	watcher.Stop()
	queue.Shutdown(30 * time.Second)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("pynchy orchestrator stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// broadcastStatus periodically pushes group-queue activity to every
// connected wsgateway client, mirroring the /api/events SSE payload for
// TUI clients that prefer a persistent duplex socket.
func broadcastStatus(ctx context.Context, store *persistence.Store, queue *groupqueue.GroupQueue, hub *wsgateway.Hub) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workspaces, err := store.ListWorkspaces(ctx)
			if err != nil {
				continue
			}
			active := 0
			for _, w := range workspaces {
				if queue.IsActiveTask(w.JID) {
					active++
				}
			}
			payload, err := json.Marshal(gin.H{"event": "status", "active_invocations": active, "groups": len(workspaces)})
			if err != nil {
				continue
			}
			hub.Broadcast(payload)
		}
	}
}

// registerAPIRoutes wires the TUI's read/send API: listing registered
// workspaces, their recent messages, sending an operator message, a
// server-sent-events stream of group-queue activity, and a WebSocket
// equivalent for clients that want a persistent push feed.
func registerAPIRoutes(router *gin.Engine, store *persistence.Store, queue *groupqueue.GroupQueue, hub *wsgateway.Hub, log *logger.Logger) {
	api := router.Group("/api")

	api.GET("/groups", func(c *gin.Context) {
		workspaces, err := store.ListWorkspaces(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"groups": workspaces})
	})

	api.GET("/messages", func(c *gin.Context) {
		jid := c.Query("jid")
		if jid == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "jid is required"})
			return
		}
		messages, err := store.RecentMessages(c.Request.Context(), jid, 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	})

	var sendReq struct {
		JID     string `json:"jid" binding:"required"`
		Content string `json:"content" binding:"required"`
		Sender  string `json:"sender"`
	}
	api.POST("/send", func(c *gin.Context) {
		if err := c.ShouldBindJSON(&sendReq); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		inserted, err := store.InsertMessage(c.Request.Context(), &persistence.Message{
			ID:          fmt.Sprintf("tui-%d", time.Now().UnixNano()),
			ChatJID:     sendReq.JID,
			SenderID:    sendReq.Sender,
			DisplayName: sendReq.Sender,
			Content:     sendReq.Content,
			Timestamp:   time.Now().UTC(),
			MessageType: persistence.MessageTypeUser,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if inserted {
			queue.EnqueueMessageCheck(sendReq.JID)
		}
		c.JSON(http.StatusOK, gin.H{"enqueued": inserted})
	})

	api.GET("/events", func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				workspaces, err := store.ListWorkspaces(c.Request.Context())
				if err != nil {
					continue
				}
				active := 0
				for _, w := range workspaces {
					if queue.IsActiveTask(w.JID) {
						active++
					}
				}
				c.SSEvent("status", gin.H{"active_invocations": active, "groups": len(workspaces)})
				c.Writer.Flush()
			}
		}
	})

	api.GET("/ws", func(c *gin.Context) {
		hub.ServeHTTP(c.Writer, c.Request)
	})
}
