package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileKeys maps TOML keys to the environment variable they stand in for.
var fileKeys = map[string]string{
	"gateway_url":                       envVarGatewayURL,
	"subprotocol":                       envVarSubprotocol,
	"room":                              envVarRoom,
	"display":                           envVarDisplay,
	"subscribe":                         envVarSubscribe,
	"duration":                          envVarDuration,
	"mode":                              envVarMode,
	"log_format":                        envVarLogFormat,
	"log_level":                         envVarLogLevel,
	"request_timeout":                   envVarRequestTimeout,
	"keepalive_interval":                envVarKeepaliveInterval,
	"dial_timeout":                      envVarDialTimeout,
	"max_message_bytes":                 envVarMaxMessageBytes,
	"insecure_skip_verify":              envVarInsecureSkipVerify,
	"origin":                            envVarOrigin,
	"token":                             envVarToken,
	"api_secret":                        envVarAPISecret,
	"metrics_listen_addr":               envVarMetricsListenAddr,
	"shutdown_timeout":                  envVarShutdownTimeout,
	"ice_servers_json":                  envICEServersJSON,
	"stun_urls":                         envStunURLs,
	"turn_urls":                         envTurnURLs,
	"turn_username":                     envTurnUsername,
	"turn_credential":                   envTurnCredential,
	"webrtc_udp_port_min":               envVarWebRTCUDPPortMin,
	"webrtc_udp_port_max":               envVarWebRTCUDPPortMax,
	"webrtc_udp_listen_ip":              envVarWebRTCUDPListenIP,
	"webrtc_nat_1to1_ips":               envVarWebRTCNAT1To1IPs,
	"webrtc_nat_1to1_ip_candidate_type": envVarWebRTCNAT1To1IPCandidateType,
}

// loadFile decodes a flat TOML file into values keyed by environment variable
// name. Durations are written as strings ("10s"); lists may be TOML arrays.
func loadFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}

	var unknown []string
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		envKey, ok := fileKeys[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		s, err := fileValueString(value)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %s: %w", path, key, err)
		}
		out[envKey] = s
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("load config file %s: unknown keys: %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func fileValueString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := fileValueString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// layered consults env first and falls back to file values.
func layered(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}
