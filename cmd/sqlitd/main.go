// Command sqlitd runs one database node: it hosts SQLite databases,
// serves the HTTP/WS API, replicates from primaries, and checks in
// with the external registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sqlit/sqlit/internal/config"
	"github.com/sqlit/sqlit/internal/node"
	"github.com/sqlit/sqlit/internal/registry"
	"github.com/sqlit/sqlit/internal/server"
	"github.com/sqlit/sqlit/internal/telemetry"
)

// Version is stamped via -ldflags at release time.
var Version = "dev"

const (
	exitOK        = 0
	exitFatal     = 1
	exitBadConfig = 2
)

var (
	configPath string
	flagDev    bool
	flagListen string
	flagData   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sqlitd",
		Short:         "Replicated SQLite database node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&flagDev, "dev", false, "enable dev mode (auto-provisioning, data dir watcher)")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "override listen address")
	serveCmd.Flags().StringVar(&flagData, "data", "", "override data directory")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sqlitd %s\n", Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	rootCmd.RunE = serveCmd.RunE

	if err := rootCmd.Execute(); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("sqlitd: exiting")
		if _, ok := err.(*configError); ok {
			os.Exit(exitBadConfig)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

// configError marks configuration failures for the distinct exit code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err}
	}
	if flagDev {
		cfg.DevMode = true
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
		cfg.AdvertiseEndpoint = "http://" + flagListen
	}
	if flagData != "" {
		cfg.DataDir = flagData
	}
	if err := cfg.Validate(); err != nil {
		return &configError{err}
	}
	cfg.ApplyLogging()

	node.Version = Version
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := node.New(cfg, registry.New(cfg.RegistryEndpoint))

	metrics, err := telemetry.Init(ctx, rt.NodeID(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	srv := server.New(rt, metrics, cfg.ListenAddr)
	serveErr := srv.Start(ctx)

	rt.Stop()
	if err := metrics.Shutdown(context.Background()); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("sqlitd: telemetry shutdown")
	}
	if serveErr != nil {
		return serveErr
	}
	log.Info("sqlitd: clean shutdown")
	return nil
}
