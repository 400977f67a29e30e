package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/mayukhdev/janus-ws-connect/internal/config"
	"github.com/mayukhdev/janus-ws-connect/internal/httpserver"
	"github.com/mayukhdev/janus-ws-connect/internal/janus"
	"github.com/mayukhdev/janus-ws-connect/internal/metrics"
	"github.com/mayukhdev/janus-ws-connect/internal/videoroom"
	"github.com/mayukhdev/janus-ws-connect/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	logger.Info("starting janus-ws-connect",
		"gateway_host", safeURLHost(cfg.GatewayURL),
		"room", cfg.Room,
		"display", cfg.Display,
		"subscribe", cfg.Subscribe,
		"duration", cfg.Duration,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"metrics_listen_addr", cfg.MetricsListenAddr,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	session := janus.NewSession(sessionConfig(cfg, logger, m))
	registry := webrtcpeer.NewRegistry(api, webrtcpeer.RegistryOptions{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
		Metrics:    m,
	})
	client := videoroom.New(session, peerMedia{registry: registry}, videoroom.Options{
		Room:      cfg.Room,
		Display:   cfg.Display,
		Subscribe: cfg.Subscribe,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		srv   *httpserver.Server
		errCh chan error
	)
	if cfg.MetricsListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsListenAddr)
		if err != nil {
			logger.Error("failed to listen", "addr", cfg.MetricsListenAddr, "err", err)
			return 1
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		srv = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m, statusProbes(session, registry, m))
		errCh = make(chan error, 1)
		go func() {
			errCh <- srv.Serve(ln)
		}()
	}

	code := 0
	if err := client.Run(ctx, cfg.Duration); err != nil {
		logger.Error("video room run failed", "err", err)
		code = 1
	} else {
		logger.Info("video room run finished")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("status server exited", "err", err)
			code = 1
		}
	}
	return code
}

func sessionConfig(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) janus.Config {
	sc := janus.Config{
		URL:               cfg.GatewayURL,
		Subprotocol:       cfg.Subprotocol,
		DialTimeout:       cfg.DialTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		Token:             cfg.Token,
		APISecret:         cfg.APISecret,
		Logger:            logger,
		Metrics:           m,
	}
	if cfg.Origin != "" {
		sc.Header = http.Header{"Origin": []string{cfg.Origin}}
	}
	if cfg.InsecureSkipVerify {
		sc.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return sc
}

type peerStatus struct {
	Name   string                  `json:"name"`
	State  string                  `json:"state"`
	Tracks []webrtcpeer.TrackStats `json:"tracks"`
}

func statusProbes(session *janus.Session, registry *webrtcpeer.Registry, m *metrics.Metrics) httpserver.Probes {
	return httpserver.Probes{
		Ready: func() error {
			if state := session.State(); state != "created" {
				return fmt.Errorf("janus session is %s", state)
			}
			return nil
		},
		Status: func() any {
			peers := registry.Peers()
			ps := make([]peerStatus, 0, len(peers))
			for _, p := range peers {
				ps = append(ps, peerStatus{
					Name:   p.Name(),
					State:  p.PeerConnection().ConnectionState().String(),
					Tracks: p.TrackStats(),
				})
			}
			return map[string]any{
				"session_id":    session.ID(),
				"session_state": session.State(),
				"peers":         ps,
				"events":        m.Snapshot(),
			}
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
