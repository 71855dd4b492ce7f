// cmd/node is the main entrypoint for one mesh node.
//
// Configuration is loaded, in increasing priority, from built-in defaults,
// an optional YAML file, MESHNODE_-prefixed environment variables, and
// finally these flags.
//
// Example — standalone full node:
//
//	./meshnode --config meshnode.yaml
//
// Example — joining an existing mesh through a seed peer:
//
//	./meshnode --config meshnode.yaml --seed http://seed.example:8300
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/meshnode/meshnode/internal/config"
	"github.com/meshnode/meshnode/internal/core"
	"github.com/meshnode/meshnode/internal/identity"
	"github.com/meshnode/meshnode/internal/logging"
	"github.com/meshnode/meshnode/internal/rpc"
)

func main() {
	fs := pflag.NewFlagSet("meshnode", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	dataDir := fs.String("data-dir", "./data", "directory for this node's document store")
	seed := fs.String("seed", "", "seed peer URL to join through on first boot")

	fs.String("node.id", "", "override node_id (normally auto-assigned on first boot)")
	fs.String("node.name", "", "human-readable node name")
	fs.String("node.mode", "", "full | relay | auto")
	fs.String("node.primary_server", "", "relay mode's upstream full node")
	fs.String("node.public_url", "", "this node's externally reachable URL, if any")
	fs.Bool("node.connectable", false, "reachable from outside its LAN, independent of public_url")
	fs.String("server.host", "", "listen host")
	fs.Int("server.port", 0, "listen port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *configPath != "" {
		if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
			if err := cfg.SaveToYAML(*configPath); err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
		}
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	c, err := core.New(cfg, log, *dataDir)
	if err != nil {
		log.WithError(err).Fatal("core: failed to start")
	}
	defer c.Close()
	cfg.Freeze()

	log = logging.WithNode(log, c.Identity().NodeID).Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *seed != "" {
		joinSeed(ctx, c, *seed)
	}

	c.Start(ctx)

	gin.SetMode(ginModeFor(cfg))
	router := gin.New()
	router.Use(gin.Recovery())
	rpc.NewServer(c, log).Register(router)
	router.GET("/ws", c.Hub.HandleWebSocket)
	router.GET("/health", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{
			"node_id": c.Identity().NodeID,
			"mode":    c.SelfMode(),
			"status":  "ok",
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("meshnode: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("meshnode: server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("meshnode: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("meshnode: server shutdown error")
	}
}

// joinSeed runs the one-time join handshake (fresh node) or resumes a
// still-pending join from a prior run, against seed. Both are best-effort:
// a failure here is logged, not fatal — the node keeps running and the
// operator can retry the join out of band.
func joinSeed(ctx context.Context, c *core.Core, seed string) {
	self := c.Identity()
	rec, known := c.ListNodes()[self.NodeID]

	var err error
	switch {
	case !known:
		err = c.Joiner.Join(ctx, seed)
	case rec.TrustStatus == identity.TrustWaitingApproval, rec.TrustStatus == identity.TrustPending:
		err = c.Joiner.ResumeIfPending(ctx, seed, rec.TrustStatus)
	case rec.TrustStatus == identity.TrustTrusted:
		// already a member of the mesh, nothing to do
	default:
		// includes the initial "self" status of a node that has never joined
		err = c.Joiner.Join(ctx, seed)
	}
	if err != nil {
		c.Logger().WithError(err).WithField("seed", seed).Warn("meshnode: join through seed failed")
	}
}

func ginModeFor(cfg *config.Config) string {
	if cfg.App.Debug {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}
