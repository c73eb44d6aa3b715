// Command voxd runs the voice relay: it accepts spoken or typed requests
// from tailnet peers over HTTP, transcribes them, feeds them to a persistent
// coding-agent child process, and streams the agent's replies back out as
// text, synthesized audio, and live websocket events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/agent"
	"github.com/voxd/voxd/internal/audio"
	"github.com/voxd/voxd/internal/auth"
	"github.com/voxd/voxd/internal/common/config"
	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/common/tracing"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/gateway"
	"github.com/voxd/voxd/internal/gateway/websocket"
	"github.com/voxd/voxd/internal/guard"
	"github.com/voxd/voxd/internal/permission"
	"github.com/voxd/voxd/internal/relay"
	"github.com/voxd/voxd/internal/settings"
	"github.com/voxd/voxd/internal/speech"
	"github.com/voxd/voxd/internal/state"
	"github.com/voxd/voxd/pkg/agentstream"
)

// Sysexits-style codes: 64 for unusable configuration, 70 when the agent
// child crash-loops and the relay gives up.
const (
	exitConfig    = 64
	exitCrashLoop = 70
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting voxd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, mirrored to NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus

	// ============================================
	// STATE AND STORAGE
	// ============================================

	agg := state.NewAggregator(eventBus, cfg.Chat.RingSize, cfg.Chat.TimelineSize, log)
	go agg.Run(ctx)

	audioStore := audio.NewStore(cfg.Audio.TTLDuration(), log)

	dupGuard := guard.NewGuard(cfg.Guard.CooldownDuration(), log)

	settingsStore := settings.NewStore(settings.Config{
		STTModel:    cfg.Speech.Model,
		STTLanguage: cfg.Speech.Language,
		STTOptions: map[string]bool{
			"smart_format": cfg.Speech.SmartFormat,
			"punctuate":    cfg.Speech.Punctuate,
		},
		ResponseMode: cfg.Speech.ResponseMod,
		TTSVoice:     cfg.Speech.Voice,
		TTSMaxChars:  cfg.Speech.MaxTTSChars,
	}, log)

	// ============================================
	// PERMISSION BROKER
	// ============================================

	rules, err := permission.LoadRules(cfg.Permission.RulesFile)
	if err != nil {
		log.Fatal("Failed to load permission rules",
			zap.Error(err), zap.String("path", cfg.Permission.RulesFile))
	}
	broker := permission.NewBroker(rules, agg,
		cfg.Permission.TimeoutDuration(), cfg.Permission.RetentionDuration(), log)
	broker.StartReaper(ctx)

	// ============================================
	// SPEECH CLIENT
	// ============================================

	if cfg.Speech.APIKey == "" {
		fmt.Fprintln(os.Stderr, "voxd: STT_API_KEY is required")
		_ = log.Sync()
		os.Exit(exitConfig)
	}
	speechOpts := []speech.Option{speech.WithTimeout(cfg.Speech.TimeoutDuration())}
	if cfg.Speech.BaseURL != "" {
		speechOpts = append(speechOpts, speech.WithBaseURL(cfg.Speech.BaseURL))
	}
	speechClient, err := speech.NewClient(cfg.Speech.APIKey, log, speechOpts...)
	if err != nil {
		log.Fatal("Failed to create speech client", zap.Error(err))
	}

	// ============================================
	// AGENT SUPERVISOR AND RELAY PIPELINE
	// ============================================

	// The child's pre-tool hook needs to find its way back here: mark the
	// session as relay-spawned and point the hook at our own API port.
	// Loopback peers always pass the verifier, so the hook is never locked
	// out by the allowlist.
	childEnv := append(os.Environ(),
		"VOXD_SESSION=1",
		fmt.Sprintf("VOXD_SERVER=http://127.0.0.1:%d", cfg.HTTP.Port),
	)
	if cfg.Permission.RulesFile != "" {
		childEnv = append(childEnv, "VOXD_PERMISSION_RULES_FILE="+cfg.Permission.RulesFile)
	}

	// The supervisor forwards child events into the relay service, and the
	// relay drives the child through the supervisor. The cycle is wired
	// through closures: events cannot arrive before Run launches the child,
	// which happens well after svc is assigned.
	var svc *relay.Service
	sup := agent.NewSupervisor(agent.SupervisorConfig{
		Manager: agent.ManagerConfig{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			WorkDir: cfg.Agent.WorkDir,
			Env:     childEnv,
		},
		StopGrace:    cfg.Agent.StopGraceDuration(),
		MaxCrashes:   cfg.Agent.MaxCrashes,
		CrashBackoff: cfg.Agent.CrashBackoffDuration(),
	}, func(ev *agentstream.Event) {
		svc.HandleAgentEvent(ev)
	}, log)

	svc = relay.NewService(relay.Deps{
		Speech:   speechClient,
		Audio:    audioStore,
		Guard:    dupGuard,
		Broker:   broker,
		State:    agg,
		Agent:    relay.SupervisorDriver{Sup: sup},
		Settings: settingsStore,
		Bus:      eventBus,
	}, cfg.Agent.AbortDrainDuration(), log)
	sup.OnUp = func(m *agent.Manager) { svc.AgentUp(m.Pid()) }
	sup.OnDown = svc.AgentDown

	// NewService registers the eviction hook; start sweeping only after
	// that so no drop goes unreported.
	audioStore.StartReaper(ctx)

	// ============================================
	// PEER AUTH
	// ============================================

	allowed := cfg.Auth.AllowedNodeSet()
	tailscale := auth.NewLocalAPI(cfg.Auth.SocketPath)
	verifier := auth.NewVerifier(allowed, tailscale.Whois, cfg.Auth.CacheTTLDuration(), log)
	if verifier.Enabled() {
		log.Info("Peer allowlist enforced", zap.Int("nodes", len(allowed)))
	} else {
		log.Warn("No allowed nodes configured; all peers are accepted")
	}

	// ============================================
	// HTTP API SERVER
	// ============================================

	apiServer := gateway.NewServer(svc, agg, settingsStore, audioStore, verifier, gateway.Options{
		MaxAudioBytes: cfg.HTTP.MaxAudioBytes,
		LongPollMax:   cfg.Permission.LongPollMaxDuration(),
		WorkDir:       cfg.Agent.WorkDir,
	}, log)

	// The write timeout must outlive the permission long-poll.
	apiWriteTimeout := cfg.HTTP.WriteTimeoutDuration()
	if floor := cfg.Permission.LongPollMaxDuration() + 5*time.Second; apiWriteTimeout < floor {
		apiWriteTimeout = floor
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeoutDuration(),
		WriteTimeout: apiWriteTimeout,
	}
	go func() {
		log.Info("HTTP API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP API server failed", zap.Error(err))
		}
	}()

	// ============================================
	// WEBSOCKET STREAM SERVER
	// ============================================

	hub := websocket.NewHub(eventBus, agg, svc, cfg.WS.PingIntervalDuration(), cfg.WS.MissedPings, log)
	go hub.Run(ctx)

	streamServer := websocket.NewServer(hub, agg, verifier, log)
	wsServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.WS.Host, cfg.WS.Port),
		Handler:     streamServer.Router(),
		ReadTimeout: cfg.HTTP.ReadTimeoutDuration(),
		// No write timeout: connections are hijacked for websockets and
		// live until the peer or the hub closes them.
	}
	go func() {
		log.Info("Stream server listening", zap.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Stream server failed", zap.Error(err))
		}
	}()

	// ============================================
	// AGENT CHILD
	// ============================================

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	log.Info("Voxd started",
		zap.String("api", httpServer.Addr),
		zap.String("stream", wsServer.Addr),
		zap.String("agent", cfg.Agent.Command),
	)

	// Wait for a shutdown signal, or for the supervisor to give up.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	agentDone := false
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-supErr:
		agentDone = true
		switch {
		case errors.Is(err, agent.ErrCrashLoop):
			log.Error("Agent child is crash-looping, shutting down", zap.Error(err))
			exitCode = exitCrashLoop
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error("Agent supervisor failed", zap.Error(err))
			exitCode = 1
		}
	}

	log.Info("Shutting down voxd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP API shutdown error", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Stream server shutdown error", zap.Error(err))
	}

	// Wait for the child to be reaped so it is not orphaned.
	if !agentDone {
		select {
		case <-supErr:
		case <-shutdownCtx.Done():
			log.Warn("Timed out waiting for agent child to stop")
		}
	}

	if err := busCleanup(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Voxd stopped")
	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}
