// Command termbridged is the shell-integration host. It listens on the
// termbridge sockets, tracks terminal windows and answers the termbridge CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/host"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func main() {
	fs := flag.NewFlagSet("termbridged", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config.toml (default: ~/.termbridge/config.toml)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	foreground := fs.Bool("foreground", false, "Mirror logs to stderr")
	noPTY := fs.Bool("no-pty", false, "Do not start the pseudo-terminal shell")
	noUpdates := fs.Bool("no-update-check", false, "Disable the periodic release check")
	showVersion := fs.Bool("version", false, "Print the version and exit")

	fs.Usage = func() {
		fmt.Println("Usage: termbridged [options]")
		fmt.Println()
		fmt.Println("Run the termbridge shell-integration host.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("termbridged v%s\n", Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	logging.Init(logging.Config{
		LogDir:       cfg.Logs.Dir,
		Level:        cfg.Logs.Level,
		Format:       cfg.Logs.Format,
		MaxSizeMB:    cfg.Logs.MaxSizeMB,
		MaxBackups:   cfg.Logs.MaxBackups,
		MaxAgeDays:   cfg.Logs.MaxAgeDays,
		Compress:     cfg.Logs.Compress,
		PprofEnabled: cfg.Logs.Pprof,
		Stderr:       *foreground,
		Debug:        cfg.Debug,
	})
	log := logging.ForComponent(logging.CompHost)

	dataDir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(dataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := host.New(host.Options{
		Version:            Version,
		Config:             cfg,
		DataDir:            dataDir,
		CLI:                cliCommand(),
		DisablePTY:         *noPTY,
		DisableUpdateCheck: *noUpdates,
	})
	if err != nil {
		log.Error("host_init_failed", slog.String("error", err.Error()))
		logging.Shutdown()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runErr := h.Run(ctx)
	restart := h.RestartRequested()
	logging.Shutdown()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "termbridged error: %v\n", runErr)
		os.Exit(1)
	}
	if restart {
		if err := reexec(); err != nil {
			fmt.Fprintf(os.Stderr, "restart failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// cliCommand is the termbridge CLI installed next to this binary, falling
// back to the one on PATH.
func cliCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return "termbridge"
	}
	cli := filepath.Join(filepath.Dir(exe), "termbridge")
	if _, err := os.Stat(cli); err != nil {
		return "termbridge"
	}
	return cli
}

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
