// Package main is the Atelier backend: a single binary serving the WebSocket
// gateway plus the terminal, snapshot, tunnel, browser preview, and git
// services behind it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/browser"
	"github.com/atelier-dev/atelier/internal/browser/stream"
	streamhandlers "github.com/atelier-dev/atelier/internal/browser/stream/wshandlers"
	browserhandlers "github.com/atelier-dev/atelier/internal/browser/wshandlers"
	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	gateways "github.com/atelier-dev/atelier/internal/gateway/websocket"
	"github.com/atelier-dev/atelier/internal/gitsvc"
	githandlers "github.com/atelier-dev/atelier/internal/gitsvc/wshandlers"
	"github.com/atelier-dev/atelier/internal/mcptools"
	projectservice "github.com/atelier-dev/atelier/internal/project/service"
	"github.com/atelier-dev/atelier/internal/project/store"
	projecthandlers "github.com/atelier-dev/atelier/internal/project/wshandlers"
	"github.com/atelier-dev/atelier/internal/snapshot"
	snapshothandlers "github.com/atelier-dev/atelier/internal/snapshot/wshandlers"
	"github.com/atelier-dev/atelier/internal/terminal"
	terminalhandlers "github.com/atelier-dev/atelier/internal/terminal/wshandlers"
	"github.com/atelier-dev/atelier/internal/tunnel"
	tunnelhandlers "github.com/atelier-dev/atelier/internal/tunnel/wshandlers"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	portFlag := flag.Int("port", 0, "server port (overrides config)")
	hostFlag := flag.String("host", "", "server host (overrides config)")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP tools over stdio instead of starting the server")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("atelier " + version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != 0 {
		if *portFlag < 1024 || *portFlag > 65535 {
			fmt.Fprintln(os.Stderr, "--port must be between 1024 and 65535")
			os.Exit(1)
		}
		cfg.Server.Port = *portFlag
	}
	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}

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

	log.Info("Starting Atelier", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	emitter := events.NewEmitter(eventBus, "atelier")

	// Persistence.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer st.Close()
	log.Info("Database initialized", zap.String("path", cfg.Database.Path))

	blobs, err := snapshot.NewBlobStore(cfg.Snapshot.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize blob store", zap.Error(err), zap.String("dir", cfg.Snapshot.DataDir))
	}

	// Services.
	projectSvc := projectservice.NewService(st, emitter, log)
	snapshotEngine := snapshot.NewEngine(blobs, st, emitter, cfg.Snapshot.MaxFileSize, log)

	streams, err := terminal.NewStreamStore(cfg.Terminal.CacheDir, log)
	if err != nil {
		log.Fatal("Failed to initialize terminal stream store", zap.Error(err))
	}
	terminalMgr := terminal.NewManager(cfg.Terminal, streams, cfg.DotEnv, log)

	tunnelMgr := tunnel.NewManager(cfg.Tunnel, cfg.DotEnv, emitter, log)
	browserMgr := browser.NewManager(cfg.Browser, emitter, log)
	streamMgr := stream.NewManager(emitter, log)
	gitSvc := gitsvc.NewService(cfg.DotEnv, log)

	mcpServer := mcptools.NewServer(browserMgr, projectSvc, log)
	if *mcpStdio {
		if err := mcpServer.ServeStdio(ctx); err != nil {
			log.Fatal("MCP stdio server failed", zap.Error(err))
		}
		return
	}

	// WebSocket gateway and channel handlers.
	gateway := gateways.NewGateway(log)
	if err := gateway.BindEventBus(eventBus); err != nil {
		log.Fatal("Failed to bind event bus to gateway", zap.Error(err))
	}

	projecthandlers.NewHandlers(projectSvc, log).RegisterHandlers(gateway.Dispatcher)
	snapshothandlers.NewHandlers(snapshotEngine, st, log).RegisterHandlers(gateway.Dispatcher)
	terminalhandlers.NewHandlers(terminalMgr, streams, emitter, log).RegisterHandlers(gateway.Dispatcher)
	tunnelhandlers.NewHandlers(tunnelMgr, log).RegisterHandlers(gateway.Dispatcher)
	browserhandlers.NewHandlers(browserMgr, log).RegisterHandlers(gateway.Dispatcher)
	streamhandlers.NewHandlers(streamMgr, log).RegisterHandlers(gateway.Dispatcher)
	githandlers.NewHandlers(gitSvc, projectSvc, log).RegisterHandlers(gateway.Dispatcher)
	log.Info("Registered WebSocket channel handlers")

	go gateway.Hub.Run(ctx)

	// HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "atelier",
			"version": version,
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Claim the port up front so a second instance fails with a clear error
	// instead of half-starting.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("Port is not available; is another instance running?",
			zap.String("addr", addr), zap.Error(err))
	}

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Server listening", zap.String("addr", addr), zap.String("websocket", "/ws"))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Atelier...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then tear down the session-holding services, then
	// flush caches. The database closes last via defer.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	terminalMgr.KillAll()
	tunnelMgr.StopAll()
	browserMgr.CloseAll()
	streamMgr.CloseAll()
	streams.Flush()

	log.Info("Atelier stopped")
}

// corsMiddleware allows cross-origin access from the local frontend dev
// server.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
