// Command ringboardd is the Ringboard server process: the single
// privileged writer of a clipboard-history data directory (spec.md §1).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ringboard/internal/config"
	"ringboard/internal/layout"
	"ringboard/internal/logging"
	"ringboard/internal/reactor"
	"ringboard/internal/server"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	DataDir string
}

var rootCmd = &cobra.Command{
	Use:   "ringboardd",
	Short: "Ringboard clipboard-history server",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = os.ExpandEnv("$HOME/.local/share")
	}
	rootCmd.Flags().StringVarP(&cmd.DataDir, "data-dir", "d",
		dataDir+"/ringboard", "Directory holding the rings, buckets, and socket")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	dir := layout.New(cmd.DataDir)

	cfgStore, err := config.NewStore(dir)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	log, atomicLevel, err := logging.Init(cfgStore.Get().Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	lock, err := server.AcquireLock(dir)
	if err != nil {
		return fmt.Errorf("failed to acquire data directory lock: %w", err)
	}
	defer lock.Release()

	store, err := server.Open(dir, server.DefaultGeometry(), cfgStore, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to start reactor: %w", err)
	}
	defer loop.Close()

	listenFD, err := reactor.ListenUnix(dir.Socket())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", dir.Socket(), err)
	}

	ln, err := server.Listen(loop, listenFD, store, log, atomicLevel, cfgStore)
	if err != nil {
		return fmt.Errorf("failed to register listener: %w", err)
	}
	defer ln.Close()

	if err := server.NotifyReady(); err != nil {
		log.Warnw("systemd readiness notification failed", "error", err)
	}
	log.Infow("ringboardd listening", "data_dir", cmd.DataDir, "socket", dir.Socket())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		defer cancel()
		return loop.Run()
	})
	wg.Go(func() error {
		// The reactor's own signalfd (internal/reactor/signal_linux.go) is
		// what actually triggers Loop.Stop; this goroutine is only a thin
		// outer wait so main can log the reason for exit and return once
		// the reactor has unwound, not a second scheduler (SPEC_FULL.md
		// §1 "AMBIENT STACK").
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.Infow("caught signal", "signal", sig.String())
		case <-ctx.Done():
		}
		return ctx.Err()
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
