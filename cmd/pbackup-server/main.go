// Command pbackup-server runs the deduplicating backup datastore service
// of spec.md: it loads the reserved-section configuration, opens one
// internal/datastore.DataStore per configured datastore (each owning its
// own scheduled GC/prune jobs), and serves the session wire protocol over
// HTTP/2.
//
// Logging follows the same dependency-injection discipline as cmd/gastrolog:
// one base logger built here, passed down to every component, never a
// global slog.SetDefault.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"gastrolog/internal/backupapi"
	"gastrolog/internal/cert"
	"gastrolog/internal/config"
	configfile "gastrolog/internal/config/file"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/home"
	"gastrolog/internal/logging"
	"gastrolog/internal/wire"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "pbackup-server",
		Short: "Deduplicating backup datastore service",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backup server",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			addr, _ := cmd.Flags().GetString("addr")
			certFile, _ := cmd.Flags().GetString("cert-file")
			keyFile, _ := cmd.Flags().GetString("key-file")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeFlag, addr, certFile, keyFile)
		},
	}
	serveCmd.Flags().String("addr", ":8007", "listen address (host:port)")
	serveCmd.Flags().String("cert-file", "", "TLS certificate PEM file (h2c cleartext if unset)")
	serveCmd.Flags().String("key-file", "", "TLS private key PEM file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, homeFlag, addr, certFile, keyFile string) error {
	hd := home.New(homeFlag)
	if homeFlag == "" {
		d, err := home.Default()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		hd = d
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	cfgStore := configfile.NewStore(hd.ConfigPath("json"))
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pruneJobs := make(map[string]config.PruneJobConfig, len(cfg.PruneJobs))
	for _, j := range cfg.PruneJobs {
		pruneJobs[j.ID] = j
	}

	stores := make(map[string]*datastore.DataStore, len(cfg.DataStores))
	for _, dc := range cfg.DataStores {
		mode, err := config.ResolveMode(dc.MaintenanceMode)
		if err != nil {
			return fmt.Errorf("datastore %s: %w", dc.Name, err)
		}
		var policy datastore.PrunePolicy
		if dc.PruneJobID != "" {
			job, ok := pruneJobs[dc.PruneJobID]
			if !ok {
				return fmt.Errorf("datastore %s: unknown prune job %q", dc.Name, dc.PruneJobID)
			}
			policy = config.BuildPrunePolicy(job)
		}
		var crypt *cryptoconf.Config
		if dc.KeyFile != "" {
			crypt, err = loadCryptConfig(dc.KeyFile)
			if err != nil {
				return fmt.Errorf("datastore %s: %w", dc.Name, err)
			}
		}
		ds, err := datastore.Open(datastore.Config{
			Name:               dc.Name,
			Path:               dc.Path,
			GCSchedule:         dc.GCSchedule,
			PruneSchedule:      dc.PruneSchedule,
			PrunePolicy:        policy,
			MaintenanceMode:    mode,
			MaintenanceMessage: dc.MaintenanceMessage,
			Crypt:              crypt,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("open datastore %s: %w", dc.Name, err)
		}
		defer func() { _ = ds.Close() }()
		stores[dc.Name] = ds
		logger.Info("datastore opened", "name", dc.Name, "path", dc.Path, "mode", string(mode))
	}

	lookup := func(name string) (*datastore.DataStore, bool) {
		ds, ok := stores[name]
		return ds, ok
	}
	handler := backupapi.New(lookup, logger)

	tlsConfig, err := buildTLSConfig(logger, certFile, keyFile)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	logger.Info("serving", "addr", addr, "tls", tlsConfig != nil)

	srv := wire.NewServer(handler, tlsConfig)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return ln.Close()
	case err := <-errCh:
		return err
	}
}

// loadCryptConfig reads a cryptoconf key file and derives its Config. Only
// KdfNone key files are supported here: a server-resident key is protected
// by filesystem permissions, not a passphrase a running service has no way
// to be prompted for.
func loadCryptConfig(path string) (*cryptoconf.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	primary, _, err := cryptoconf.LoadKeyFile(data, "")
	if err != nil {
		return nil, fmt.Errorf("load key file: %w", err)
	}
	return cryptoconf.New(primary)
}

func buildTLSConfig(logger *slog.Logger, certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" {
		logger.Warn("no --cert-file given, serving cleartext h2c")
		return nil, nil
	}
	mgr := cert.New(cert.Config{Logger: logger})
	if err := mgr.LoadFromConfig("default", map[string]cert.CertSource{
		"default": {CertFile: certFile, KeyFile: keyFile},
	}); err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	mgr.SetDefault("default")
	return mgr.TLSConfig(), nil
}
