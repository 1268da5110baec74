// Package daemon assembles the runtime: state stores, auth plane, console
// manager, agent scheduler, index, and the gateway server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeck-dev/codeck/internal/agents"
	"github.com/codeck-dev/codeck/internal/auth"
	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/config"
	"github.com/codeck-dev/codeck/internal/console"
	"github.com/codeck-dev/codeck/internal/credstore"
	"github.com/codeck-dev/codeck/internal/gateway"
	"github.com/codeck-dev/codeck/internal/httpapi"
	"github.com/codeck-dev/codeck/internal/index"
	"github.com/codeck-dev/codeck/internal/memory"
	"github.com/codeck-dev/codeck/internal/telemetry"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

const defaultEmbeddingEndpoint = "https://api.openai.com/v1/embeddings"

// Daemon is the fully wired runtime.
type Daemon struct {
	cfg *config.Config

	bus       *bus.Bus
	creds     *credstore.Store
	passwords *auth.PasswordManager
	sessions  *auth.SessionManager
	oauth     *auth.OAuthManager
	refresher *auth.TokenRefresher

	memory  *memory.Store
	flusher *memory.Flusher

	indexer    *index.Indexer
	embedQueue *index.EmbedQueue
	closeDB    func() error

	console   *console.Manager
	agentsSch *agents.Scheduler
	server    *gateway.Server
}

// New builds the daemon. Failures here are unrecoverable init errors; the
// caller exits non-zero.
func New(cfg *config.Config) (*Daemon, error) {
	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	mem, err := memory.New(stateDir)
	if err != nil {
		return nil, err
	}

	creds, err := credstore.Open(cfg.CredentialDirPath(),
		filepath.Join(stateDir, "auth.json"), cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	eventBus := bus.New()
	passwords := auth.NewPasswordManager(creds)
	sessions := auth.NewSessionManager(filepath.Join(stateDir, "sessions.json"), cfg.SessionTTL())
	oauth := auth.NewOAuthManager(creds, auth.Endpoints{
		AuthorizeURL: cfg.Auth.AuthorizeURL,
		TokenURL:     cfg.Auth.TokenURL,
		ClientID:     cfg.Auth.ClientID,
		RedirectURI:  cfg.Auth.RedirectURI,
	}, filepath.Join(stateDir, "state", "oauth_pending.json"))
	refresher := auth.NewTokenRefresher(oauth, creds, eventBus)

	db, err := index.OpenDB(filepath.Join(mem.IndexDir(), "memory.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	var queue *index.EmbedQueue
	if cfg.Index.EmbeddingAPIKey != "" {
		endpoint := cfg.Index.EmbeddingEndpoint
		if endpoint == "" {
			endpoint = defaultEmbeddingEndpoint
		}
		queue = index.NewEmbedQueue(db, &index.HTTPEmbedder{
			Endpoint: endpoint,
			APIKey:   cfg.Index.EmbeddingAPIKey,
			Model:    cfg.Index.EmbeddingModel,
		})
	} else {
		slog.Info("embeddings disabled, full-text search only")
	}
	indexer := index.NewIndexer(db, mem.MemoryDir(), mem.SessionsDir(), queue)

	// Children inherit the upstream credential through env, read fresh at
	// each spawn so a mid-flight refresh is picked up.
	spawnEnv := func() map[string]string {
		cred, err := creds.ReadCred()
		if err != nil || cred == nil || cred.AccessToken == "" {
			return nil
		}
		return map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": cred.AccessToken}
	}

	consoleMgr := console.NewManager(console.Options{
		MaxSessions:    cfg.Console.MaxSessions,
		AgentBinary:    cfg.Console.AgentBinary,
		Shell:          cfg.Console.Shell,
		AgentConfigDir: cfg.CredentialDirPath(),
		SnapshotPath:   filepath.Join(stateDir, "state", "sessions.json"),
		Memory:         mem,
		Bus:            eventBus,
		SpawnEnv:       spawnEnv,
	})

	agentStore, err := agents.NewStore(filepath.Join(stateDir, "agents"))
	if err != nil {
		return nil, fmt.Errorf("agent store: %w", err)
	}
	executor := agents.NewExecutor(cfg.Console.AgentBinary, cfg.KillGrace(), agentStore, eventBus)
	executor.SpawnEnv = spawnEnv
	scheduler, err := agents.NewScheduler(agentStore, executor, eventBus, cfg.Agents.MaxAgents)
	if err != nil {
		return nil, fmt.Errorf("agent scheduler: %w", err)
	}

	flusher := memory.NewFlusher(mem)

	server := gateway.NewServer(cfg, eventBus, sessions, consoleMgr)
	server.RegisterAPI(httpapi.NewAuthHandler(passwords, sessions, oauth))
	server.RegisterAPI(httpapi.NewConsoleHandler(consoleMgr, oauth))
	server.RegisterAPI(httpapi.NewAgentsHandler(scheduler, agentStore))
	server.RegisterAPI(httpapi.NewMemoryHandler(mem, flusher, indexer))
	server.RegisterAPI(httpapi.NewConfigHandler(cfg))

	return &Daemon{
		cfg:        cfg,
		bus:        eventBus,
		creds:      creds,
		passwords:  passwords,
		sessions:   sessions,
		oauth:      oauth,
		refresher:  refresher,
		memory:     mem,
		flusher:    flusher,
		indexer:    indexer,
		embedQueue: queue,
		closeDB:    db.Close,
		console:    consoleMgr,
		agentsSch:  scheduler,
		server:     server,
	}, nil
}

// Run starts every background loop and serves until ctx is cancelled, then
// shuts down in dependency order: crons disarm and executions get SIGTERM,
// PTY sessions tear down (writing the final snapshot), sessions flush.
func (d *Daemon) Run(ctx context.Context) error {
	stopTelemetry, err := telemetry.Setup(ctx, d.cfg.Telemetry)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := run(runCtx); err != nil && runCtx.Err() == nil {
				slog.Warn("background loop exited", "loop", name, "error", err)
			}
		}()
	}

	start("ticket-gc", func(ctx context.Context) error {
		d.sessions.RunTicketGC(ctx)
		return nil
	})
	start("token-refresh", func(ctx context.Context) error {
		d.refresher.Run(ctx)
		return nil
	})
	start("cred-watch", d.creds.Watch)
	if d.embedQueue != nil {
		start("embed-drain", func(ctx context.Context) error {
			d.embedQueue.Run(ctx)
			return nil
		})
	}
	start("index-sweep", d.indexer.Sweep)
	start("index-watch", d.indexer.Watch)
	start("agent-scheduler", func(ctx context.Context) error {
		d.agentsSch.Run(ctx)
		return nil
	})

	// Crash recovery: re-create sessions from the snapshot before clients
	// can connect. RestoreSessions no-ops when no snapshot exists.
	if err := d.console.RestoreSessions(runCtx); err != nil {
		slog.Warn("session restore failed", "error", err)
	}

	// Tell clients the daemon is going away before connections drop.
	stopNotify := context.AfterFunc(runCtx, func() {
		d.bus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	})
	defer stopNotify()

	serveErr := d.server.Start(runCtx)

	cancel()
	d.agentsSch.Shutdown()
	d.console.DestroyAll()
	d.sessions.Flush()
	loops.Wait()
	d.closeDB()
	stopTelemetry(context.Background())

	slog.Info("daemon stopped")
	return serveErr
}
