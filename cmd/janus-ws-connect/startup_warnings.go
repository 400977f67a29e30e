package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mayukhdev/janus-ws-connect/internal/config"
)

// Janus expires sessions that stay silent longer than this by default.
const gatewaySessionTimeout = 60 * time.Second

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; peers will use no STUN/TURN servers",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}

	for _, skipped := range cfg.SkippedICEServers {
		logger.Warn("startup warning: ignoring ICE server",
			"warning_code", "ice_server_skipped",
			"urls", skipped.URLs,
			"reason", skipped.Reason,
		)
	}

	if cfg.InsecureSkipVerify {
		logger.Warn("startup security warning: TLS certificate verification is disabled for the gateway connection",
			"warning_code", "insecure_skip_verify",
			"gateway_host", safeURLHost(cfg.GatewayURL),
			"mode", cfg.Mode,
		)
	}

	if (cfg.Token != "" || cfg.APISecret != "") && isPlaintextURL(cfg.GatewayURL) {
		logger.Warn("startup security warning: gateway credentials will be sent over an unencrypted ws:// connection",
			"warning_code", "credentials_over_plaintext",
			"gateway_host", safeURLHost(cfg.GatewayURL),
			"token_set", cfg.Token != "",
			"api_secret_set", cfg.APISecret != "",
		)
	}

	if cfg.KeepaliveInterval <= 0 && (cfg.Duration <= 0 || cfg.Duration > gatewaySessionTimeout) {
		logger.Warn("startup warning: keepalives are disabled; the gateway may time out the session",
			"warning_code", "keepalive_disabled",
			"duration", cfg.Duration,
		)
	} else if cfg.KeepaliveInterval >= gatewaySessionTimeout {
		logger.Warn("startup warning: keepalive interval is not shorter than the gateway session timeout",
			"warning_code", "keepalive_interval_large",
			"keepalive_interval", cfg.KeepaliveInterval,
		)
	}
}

func isPlaintextURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "ws")
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
