package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cehteh/rmrfd/internal/config"
	"github.com/cehteh/rmrfd/internal/ingest"
	"github.com/cehteh/rmrfd/internal/metrics"
	"github.com/cehteh/rmrfd/internal/platform"
	"github.com/cehteh/rmrfd/internal/rmrfd"
	"github.com/cehteh/rmrfd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deletion daemon",
	Long: `Run the daemon: listen on the protocol socket, watch the staging
domains, and reclaim staged data in the background.

Without "armed = true" in the configuration the daemon runs in
observe-only mode: it accepts requests, scans and classifies staged data,
but deletes nothing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	serveCmd.Flags().String("config", config.DefaultPath, "configuration file")
	serveCmd.Flags().Bool("armed", false, "enable deletion, overriding the configuration")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag name is hardcoded
	armedFlag, _ := cmd.Flags().GetBool("armed")     //nolint:errcheck // flag name is hardcoded

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	minSize, err := cfg.MinSizeBytes()
	if err != nil {
		return err
	}
	crossDevice := ingest.CrossDeviceFail
	if cfg.CrossDevice == "unmount" {
		crossDevice = ingest.CrossDeviceUnmount
	}

	var m *metrics.Metrics
	if cfg.MetricsListen != "" {
		m = metrics.New(nil)
	}

	domains := make([]string, len(cfg.Domains))
	for i, dom := range cfg.Domains {
		domains[i] = dom.Root
	}

	d, err := rmrfd.New(rmrfd.Options{
		Domains:        domains,
		MinBlocks:      minSize / platform.BlockSize,
		GatherWorkers:  cfg.GatherWorkers,
		ReclaimWorkers: cfg.ReclaimWorkers,
		Armed:          cfg.IsArmed() || armedFlag,
		CrossDevice:    crossDevice,
		Metrics:        m,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := server.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	srv := server.New(d, log)
	if m != nil {
		srv.OnSession(m.SessionsTotal.Inc)
	}

	var wg sync.WaitGroup
	wgGo := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wgGo(func() {
		if err := d.Run(ctx); err != nil {
			log.Error().Err(err).Msg("daemon stopped")
			stop()
		}
	})
	wgGo(func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	})
	if cfg.MetricsListen != "" {
		wgGo(func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen, log); err != nil {
				log.Error().Err(err).Msg("metrics stopped")
			}
		})
	}

	wg.Wait()
	log.Info().Msg("shutdown complete")
	return nil
}
