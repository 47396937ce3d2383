// Command fsmdbd is the state-machine database server: it owns the
// RCPX TCP listener, the fsm engine, the broadcast hub, the
// compactor, and the optional admin HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fsmdb/internal/adminhttp"
	"fsmdb/internal/archive"
	"fsmdb/internal/auth"
	"fsmdb/internal/broadcast"
	"fsmdb/internal/compaction"
	"fsmdb/internal/config"
	"fsmdb/internal/fsm"
	"fsmdb/internal/server"
	"fsmdb/internal/session"
	"fsmdb/internal/wal"
)

const protocolVersion = 1

// broadcasterProxy breaks the construction cycle between fsm.Engine
// (which needs a Broadcaster up front) and broadcast.Hub (which needs
// the engine's wal.Manager): the engine is built against the proxy,
// and the real hub is plugged in once it exists.
type broadcasterProxy struct {
	hub *broadcast.Hub
}

func (p *broadcasterProxy) Publish(evt fsm.BroadcastEvent) {
	if p.hub != nil {
		p.hub.Publish(evt)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fsmdbd",
	Short: "fsmdb state-machine database server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RCPX server until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(); err != nil {
			log.Fatalf("fsmdbd: %v", err)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the protocol version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fsmdb protocol version %d\n", protocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func serve() error {
	log.Println("starting fsmdbd")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Printf("configuration:\n%s", cfg.String())

	syncPolicy, err := wal.ParseSyncPolicy(cfg.Storage.FsyncPolicy)
	if err != nil {
		return fmt.Errorf("parse fsync_policy: %w", err)
	}

	proxy := &broadcasterProxy{}
	engine, report, err := fsm.NewEngine(fsm.EngineConfig{
		WAL: wal.Config{
			DataDir:       cfg.Storage.DataDir,
			SegmentSizeMB: cfg.Storage.WALSegmentSizeMB,
			Sync:          syncPolicy,
		},
		DataDir:             cfg.Storage.DataDir,
		MaxMachineVersions:  cfg.Storage.MaxMachineVersions,
		IdempotencyCacheCap: cfg.Storage.IdempotencyCacheCap,
		Broadcaster:         proxy,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer engine.Close()
	log.Printf("recovery complete: %+v", report)

	hub := broadcast.NewHub(engine.WALManager())
	proxy.hub = hub

	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.Archive.Enabled {
		ctx := context.Background()
		a, err := archive.New(ctx, archive.Config{
			Bucket: cfg.Archive.Bucket, Region: cfg.Archive.Region, Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
		archiver = a
	}

	compactor := compaction.New(engine, compaction.Config{
		Enabled:         cfg.Compaction.Enabled,
		EventsThreshold: uint64(cfg.Compaction.EventsThreshold),
		SizeThresholdMB: cfg.Compaction.SizeThresholdMB,
		MinIntervalSecs: int(cfg.Compaction.MinIntervalSecs),
	}, archiver)

	var validator *auth.BearerValidator
	if cfg.Auth.Required {
		validator, err = auth.NewBearerValidator(cfg.Auth.TokenHashes)
		if err != nil {
			return fmt.Errorf("init auth validator: %w", err)
		}
	}

	handler := &server.Handler{
		Engine:       engine,
		Hub:          hub,
		Compactor:    compactor,
		Auth:         validator,
		AuthRequired: cfg.Auth.Required,
		Version:      protocolVersion,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compactor.Start(ctx)
	defer compactor.Stop()

	listener, err := net.Listen("tcp", cfg.Network.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Network.BindAddr, err)
	}
	log.Printf("listening for RCPX connections on %s", cfg.Network.BindAddr)

	var wg sync.WaitGroup
	var adminHTTPServer *http.Server
	if cfg.AdminHTTP.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AdminHTTP.JWTSecret != "" {
			jwtManager = auth.NewJWTManager([]byte(cfg.AdminHTTP.JWTSecret), "fsmdb-admin", 0)
		}
		adminSrv := adminhttp.New(engine, compactor, jwtManager)
		adminHTTPServer = &http.Server{Addr: cfg.AdminHTTP.BindAddr, Handler: adminSrv.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("admin http listening on %s", cfg.AdminHTTP.BindAddr)
			if err := adminHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin http server stopped: %v", err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down fsmdbd")
		listener.Close()
		if adminHTTPServer != nil {
			adminHTTPServer.Shutdown(context.Background())
		}
		cancel()
	}()

	limits := session.Limits{
		IdleTimeout:   time.Duration(cfg.Network.IdleTimeoutSecs) * time.Second,
		MaxBatchOps:   100,
		MaxFrameBytes: 16 << 20,
		MaxIDLen:      256,
	}
	acceptLoop(listener, handler, limits, ctx)
	wg.Wait()
	log.Println("fsmdbd stopped")
	return nil
}

func acceptLoop(listener net.Listener, handler session.Handler, limits session.Limits, ctx context.Context) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}
		sess := session.New(conn, handler, limits)
		go sess.Serve(ctx)
	}
}
