package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/prefork/internal/busysig"
	"github.com/gaspardpetit/prefork/internal/config"
	"github.com/gaspardpetit/prefork/internal/eventfeed"
	"github.com/gaspardpetit/prefork/internal/logx"
	"github.com/gaspardpetit/prefork/internal/metrics"
	"github.com/gaspardpetit/prefork/internal/poolstate"
	"github.com/gaspardpetit/prefork/internal/secret"
	"github.com/gaspardpetit/prefork/internal/server"
	"github.com/gaspardpetit/prefork/internal/supervisor"
	"github.com/gaspardpetit/prefork/internal/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.Config
	// Resolve config with precedence: defaults < file < env < args.
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env

	if supervisor.IsWorker() {
		// Worker children receive their settings through the environment;
		// they never parse flags or read the config file.
		runWorker(cfg)
		return
	}

	// Allow --config to override the file path before loading it.
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	showVersion := flag.Bool("version", false, "print version and exit")
	cfg.BindFlagsFromCurrent()
	flag.Parse()

	if *showVersion {
		fmt.Printf("prefork version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.ConfigureRole("supervisor", cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.RedisAddr != "" {
		rs, err := poolstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("connect pool state store")
		}
		poolstate.UseStore(rs)
		logx.Log.Info().Str("redis_addr", secret.MaskURL(cfg.RedisAddr)).Msg("pool state persisted to redis")
	}

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	hub := eventfeed.NewHub()
	sup, err := supervisor.New(cfg, hub)
	if err != nil {
		// The pool cannot function without its signaling channel.
		logx.Log.Fatal().Err(err).Msg("start supervisor")
	}
	defer sup.Shutdown()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("bind work listener")
	}
	lnFile, err := ln.(*net.TCPListener).File()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("dup work listener")
	}
	sup.SetWorkListener(lnFile)

	go func() {
		logx.Log.Info().Str("addr", cfg.StatusAddr).Msg("status server listening")
		if err := http.ListenAndServe(cfg.StatusAddr, server.New(hub, cfg)); err != nil {
			logx.Log.Error().Err(err).Msg("status server")
		}
	}()
	if cfg.MetricsAddr != cfg.StatusAddr {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Log.Info().
		Str("version", version).
		Int("min_workers", cfg.MinWorkers).
		Int("max_workers", cfg.MaxWorkers).
		Int("target", sup.Target()).
		Str("listen_addr", cfg.ListenAddr).
		Msg("supervisor starting")
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Error().Err(err).Msg("controller loop")
	}
	logx.Log.Info().Msg("shutting down")
}

// runWorker is the worker personality: accept one connection at a time off
// the inherited listener, reporting busy/idle around each one, until the
// retirement policy says stop.
func runWorker(cfg config.Config) {
	logx.ConfigureRole("worker", cfg.LogLevel)
	pid := os.Getpid()

	sig := busysig.NewSender(supervisor.WorkerSignalFile())
	ln, err := net.FileListener(supervisor.WorkerListenerFile())
	if err != nil {
		logx.Log.Fatal().Err(err).Int("pid", pid).Msg("inherit work listener")
	}

	mode := worker.CooperativeRetire
	if cfg.CooperativeRetire != nil && !*cfg.CooperativeRetire {
		mode = worker.ImmediateExit
	}
	hooks := worker.NewHooks(sig, pid, cfg.MaxRequestsPerWorker, mode)
	logx.Log.Debug().Int("pid", pid).Msg("worker ready")

	for hooks.ShouldContinue() {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		hooks.BeginUnit()
		serveConn(conn)
		hooks.EndUnit()
	}

	// The dispatch loop polled ShouldContinue, so this is the cooperative
	// path: unwind, clean up, and still report the distinguished status.
	_ = ln.Close()
	logx.Log.Info().Int("pid", pid).Int("handled", hooks.Handled()).Msg("worker retiring")
	os.Exit(worker.RetiredExitCode)
}

// serveConn handles one unit of work: echo until the client hangs up.
func serveConn(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}
