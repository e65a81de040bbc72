// julead is the storage server daemon. It hosts the object and kv
// backends whose component is configured as "server" and speaks the
// framed protocol on a TCP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/internal/backend"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/server"

	_ "github.com/DeltaLaboratory/julea/internal/backend/memory"
	_ "github.com/DeltaLaboratory/julea/internal/backend/pebble"
	_ "github.com/DeltaLaboratory/julea/internal/backend/posix"
)

const daemonEnv = "JULEAD_DAEMONIZED"

func main() {
	var (
		port        = flag.Int("port", config.DefaultPort, "port to listen on")
		daemon      = flag.Bool("daemon", false, "detach from the controlling terminal")
		metricsAddr = flag.String("metrics-addr", "", "address for the Prometheus scrape endpoint")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if *daemon && os.Getenv(daemonEnv) == "" {
		if err := daemonize(); err != nil {
			logger.Error().Err(err).Msg("failed to daemonize")
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("could not read configuration")
		os.Exit(1)
	}

	var objectBackend backend.Object
	if !cfg.Object.Client() {
		objectBackend, err = backend.NewObject(cfg.Object.Backend, cfg.Object.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("backend", cfg.Object.Backend).Msg("could not initialize object backend")
			os.Exit(1)
		}
		defer objectBackend.Close()
	}

	var kvBackend backend.KV
	if !cfg.KV.Client() {
		kvBackend, err = backend.NewKV(cfg.KV.Backend, cfg.KV.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("backend", cfg.KV.Backend).Msg("could not initialize kv backend")
			os.Exit(1)
		}
		defer kvBackend.Close()
	}

	if objectBackend == nil && kvBackend == nil {
		logger.Error().Msg("no server-side backend configured")
		os.Exit(1)
	}

	// Writes onto connections torn down by peers must not kill the
	// process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	logger.Info().
		Int("port", *port).
		Str("object_backend", cfg.Object.Backend).
		Str("kv_backend", cfg.KV.Backend).
		Msg("starting julead")

	srv := server.New(objectBackend, kvBackend, logger)

	addr := net.JoinHostPort("", strconv.Itoa(*port))
	if err := srv.Run(ctx, addr, *metricsAddr); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

// daemonize re-executes the process detached from the terminal; the
// parent exits immediately.
func daemonize() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=1", daemonEnv))
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	return cmd.Start()
}
