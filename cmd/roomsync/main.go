package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/roomsync/internal/auth"
	"github.com/alexjbarnes/roomsync/internal/config"
	"github.com/alexjbarnes/roomsync/internal/events"
	"github.com/alexjbarnes/roomsync/internal/logging"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/room"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("roomsync starting",
		slog.String("version", Version),
		slog.String("room", cfg.RoomID),
		slog.Bool("mcp", cfg.MCPEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var seeds config.InitialState
	if cfg.InitialState != "" {
		if seeds, err = config.LoadInitialState(cfg.InitialState); err != nil {
			return err
		}
	}

	managerOpts := []auth.ManagerOption{auth.WithRefreshMargin(cfg.TokenRefreshMargin)}

	if cfg.TokenCache != "" {
		cache, err := state.LoadAt(cfg.TokenCache)
		if err != nil {
			return fmt.Errorf("opening token cache: %w", err)
		}
		defer cache.Close()

		managerOpts = append(managerOpts, auth.WithCache(cache))
	}

	var (
		authenticator auth.Authenticator
		tokenFile     *auth.FileAuthenticator
	)

	if cfg.AuthEndpoint != "" {
		authenticator = auth.NewHTTPAuthenticator(cfg.AuthEndpoint, cfg.PublicKey, nil)
	} else {
		tokenFile = auth.NewFileAuthenticator(cfg.TokenFile, logger)
		authenticator = tokenFile
	}

	tokens := auth.NewManager(authenticator, logger, managerOpts...)

	r, err := room.New(room.Options{
		RoomID:                cfg.RoomID,
		URL:                   cfg.ServerURL,
		Tokens:                tokens,
		InitialPresence:       seeds.Presence,
		InitialStorage:        seeds.Storage,
		ConnectTimeout:        cfg.ConnectTimeout,
		SnapshotTimeout:       cfg.SnapshotTimeout,
		ReconnectMin:          cfg.ReconnectMin,
		ReconnectMax:          cfg.ReconnectMax,
		LostConnectionTimeout: cfg.LostConnectionTimeout,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		HistoryLimit:          cfg.HistoryLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating room: %w", err)
	}

	logEvents(r, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if tokenFile != nil {
		g.Go(func() error {
			return tokenFile.Watch(gctx, func() {
				logger.Info("token file changed")

				// A connected room keeps its session and picks the new
				// token up on the next refresh. A failed room retries now.
				tokens.Invalidate(cfg.RoomID)

				if err := r.Reconnect(gctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("reconnect after token rotation failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	if cfg.MCPEnabled() {
		g.Go(func() error {
			return runMCP(gctx, cfg, r, logger)
		})
	}

	return g.Wait()
}

// logEvents subscribes to every room event and logs it. Handlers run on
// the room loop, so they only log.
func logEvents(r *room.Room, logger *slog.Logger) {
	r.Subscribe(events.KindStatus, func(e events.Event) {
		s := e.(events.StatusChanged)
		logger.Info("status changed", slog.String("from", s.From), slog.String("to", s.To))
	})

	r.Subscribe(events.KindOthers, func(e events.Event) {
		o := e.(events.OthersChanged)
		logger.Info("actor "+o.Change, slog.Int("actor", o.Actor), slog.String("user_id", o.UserID))
	})

	r.Subscribe(events.KindPresence, func(e events.Event) {
		p := e.(events.PresenceChanged)
		logger.Debug("presence changed", slog.Int("actor", p.Actor), slog.Bool("self", p.Self), slog.String("presence", p.Presence.String()))
	})

	r.Subscribe(events.KindStorage, func(e events.Event) {
		s := e.(events.StorageChanged)
		logger.Debug("storage changed", slog.Int("nodes", len(s.Nodes)), slog.Bool("local", s.Local))
	})

	r.Subscribe(events.KindBroadcast, func(e events.Event) {
		b := e.(events.BroadcastReceived)
		logger.Info("broadcast received", slog.Int("actor", b.Actor), slog.String("event", b.Event.String()))
	})

	r.Subscribe(events.KindError, func(e events.Event) {
		ev := e.(events.Error)
		logger.Warn("room error", slog.String("code", ev.Code), slog.String("message", ev.Message))
	})

	r.Subscribe(events.KindLostConnection, func(e events.Event) {
		l := e.(events.LostConnection)
		logger.Warn("connection "+l.State)
	})
}

// runMCP serves the MCP endpoint for the room until ctx ends.
func runMCP(ctx context.Context, cfg *config.Config, r *room.Room, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, r)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		APIKeyHash: []byte(cfg.MCPAPIKeyHash),
		MCPHandler: mcpHandler,
		Room:       r,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
