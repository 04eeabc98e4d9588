package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acpconductor/conductor/internal/config"
	"github.com/acpconductor/conductor/internal/connector"
	"github.com/acpconductor/conductor/internal/logx"
	"github.com/acpconductor/conductor/internal/mcpbridge"
	"github.com/acpconductor/conductor/internal/mcpcontrol"
	"github.com/acpconductor/conductor/internal/metrics"
	"github.com/acpconductor/conductor/internal/router"
	"github.com/acpconductor/conductor/internal/toolserver"
)

var (
	version  = "dev"
	buildSHA = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ConductorConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "conductor version=%s sha=%s\n\n", version, buildSHA)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("conductor version=%s sha=%s\n", version, buildSHA)
		return
	}

	if cfg.PipelineFile != "" {
		if err := cfg.LoadFile(cfg.PipelineFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.PipelineFile).Msg("load pipeline file")
		}
	}
	logx.Configure(cfg.LogLevel)

	if cfg.Pipeline == nil {
		logx.Log.Fatal().Msg("no pipeline configured; pass --pipeline-file")
	}
	pipeline, err := buildPipeline(*cfg.Pipeline)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build pipeline")
	}

	registry := toolserver.NewRegistry()
	control := mcpcontrol.New(registry)
	bridge := mcpbridge.New(control, cfg.MaxInFlightPerSession)

	rt := router.New(pipeline, control, bridge)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != cfg.Addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		cancel()
	}()

	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logx.Log.Info().Int("hops", len(pipeline)).Msg("conductor starting")
	runErr := rt.Run(ctx)

	// Teardown runs unconditionally, win or fault: bridge.Close fails any
	// HTTP caller still parked on a BridgeListener with a 503 instead of
	// leaving it to hang until the process dies. logx.Log.Fatal is
	// reserved for the startup errors above, before a pipeline existed to
	// tear down; everything from here on is plain logging plus an
	// explicit exit code.
	cancel()
	bridge.Close()

	if runErr != nil {
		var hs *router.HandshakeError
		var fe *router.FaultError
		switch {
		case errors.As(runErr, &hs):
			logx.Log.Error().Str("hop", hs.Hop).Msg("proxy handshake rejected")
		case errors.As(runErr, &fe):
			logx.Log.Error().Str("hop", fe.Hop).Err(fe.Err).Msg("pipeline fault")
		default:
			logx.Log.Error().Err(runErr).Msg("conductor exited with error")
		}
		os.Exit(1)
	}
	logx.Log.Info().Msg("conductor shut down cleanly")
}

// buildPipeline turns a config.PipelineFile into a router.Pipeline of
// live connectors: a Stdio connector for components launched with cmd,
// a WebSocket connector for components reached at url.
func buildPipeline(pf config.PipelineFile) (router.Pipeline, error) {
	specs := make([]config.ComponentSpec, 0, len(pf.Proxies)+2)
	specs = append(specs, pf.Client)
	specs = append(specs, pf.Proxies...)
	specs = append(specs, pf.Agent)

	pipeline := make(router.Pipeline, 0, len(specs))
	for _, s := range specs {
		conn, err := connectorFor(s)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", s.Name, err)
		}
		pipeline = append(pipeline, router.Hop{Name: s.Name, Conn: conn})
	}
	return pipeline, nil
}

func connectorFor(s config.ComponentSpec) (connector.Connector, error) {
	switch {
	case s.Cmd != "":
		return connector.NewStdio(s.Cmd, s.Args...), nil
	case s.URL != "":
		return connector.NewWebSocket(s.URL), nil
	default:
		return nil, fmt.Errorf("component has neither cmd nor url")
	}
}
