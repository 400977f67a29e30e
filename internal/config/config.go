package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarGatewayURL         = "JANUS_WS_CONNECT_GATEWAY_URL"
	envVarConfigFile         = "JANUS_WS_CONNECT_CONFIG"
	envVarSubprotocol        = "JANUS_WS_CONNECT_SUBPROTOCOL"
	envVarRoom               = "JANUS_WS_CONNECT_ROOM"
	envVarDisplay            = "JANUS_WS_CONNECT_DISPLAY"
	envVarSubscribe          = "JANUS_WS_CONNECT_SUBSCRIBE"
	envVarDuration           = "JANUS_WS_CONNECT_DURATION"
	envVarMode               = "JANUS_WS_CONNECT_MODE"
	envVarLogFormat          = "JANUS_WS_CONNECT_LOG_FORMAT"
	envVarLogLevel           = "JANUS_WS_CONNECT_LOG_LEVEL"
	envVarRequestTimeout     = "JANUS_WS_CONNECT_REQUEST_TIMEOUT"
	envVarKeepaliveInterval  = "JANUS_WS_CONNECT_KEEPALIVE_INTERVAL"
	envVarDialTimeout        = "JANUS_WS_CONNECT_DIAL_TIMEOUT"
	envVarMaxMessageBytes    = "JANUS_WS_CONNECT_MAX_MESSAGE_BYTES"
	envVarInsecureSkipVerify = "JANUS_WS_CONNECT_INSECURE_SKIP_VERIFY"
	envVarOrigin             = "JANUS_WS_CONNECT_ORIGIN"
	envVarMetricsListenAddr  = "JANUS_WS_CONNECT_METRICS_LISTEN_ADDR"
	envVarShutdownTimeout    = "JANUS_WS_CONNECT_SHUTDOWN_TIMEOUT"

	// Gateway credentials. The names match the gateway's own settings.
	envVarToken     = "JANUS_TOKEN"
	envVarAPISecret = "JANUS_API_SECRET"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	flagConfig = "config"

	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
)

const (
	DefaultSubprotocol            = "janus-protocol"
	DefaultRoom                   = 1234
	DefaultDisplay                = "janus-ws-connect"
	DefaultDuration               = 10 * time.Minute
	DefaultMode              Mode = ModeDev
	DefaultRequestTimeout         = 10 * time.Second
	DefaultDialTimeout            = 5 * time.Second
	DefaultMaxMessageBytes        = int64(1 << 20)
	DefaultShutdown               = 5 * time.Second
	DefaultWebRTCUDPListenIP      = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. A publisher
// and a subscriber each gather their own candidates.
const recommendedWebRTCUDPPortRangeSize = 10

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText  LogFormat = "text"
	LogFormatJSON  LogFormat = "json"
	LogFormatColor LogFormat = "color"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// GatewayURL is the ws:// or wss:// address of the Janus WebSocket
	// transport. It is the only positional argument.
	GatewayURL  string
	Subprotocol string
	// ConfigFile is the TOML file that supplied defaults, if any.
	ConfigFile string

	Room      int64
	Display   string
	Subscribe bool
	// Duration is how long to stay in the room. Zero runs until interrupted.
	Duration time.Duration

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
	// Verbosity counts -v flags. One forces debug logging, two also turns on
	// the media engine's debug logging.
	Verbosity int

	RequestTimeout     time.Duration
	KeepaliveInterval  time.Duration
	DialTimeout        time.Duration
	MaxMessageBytes    int64
	InsecureSkipVerify bool
	Origin             string
	Token              string
	APISecret          string

	// MetricsListenAddr enables the status/metrics HTTP server when set.
	MetricsListenAddr string
	ShutdownTimeout   time.Duration

	ICEServers []webrtc.ICEServer
	// SkippedICEServers were configured but left out of ICEServers.
	SkippedICEServers []SkippedICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP            net.IP
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PionDebug reports whether the media engine should log at debug level.
func (c Config) PionDebug() bool {
	return c.Verbosity >= 2
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = envOrDefault(envLookup, envVarConfigFile, "")
	}
	lookup := envLookup
	if configFile != "" {
		fileValues, err := loadFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, fileValues)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	gatewayURL := envOrDefault(lookup, envVarGatewayURL, "")
	subprotocol := envOrDefault(lookup, envVarSubprotocol, DefaultSubprotocol)
	display := envOrDefault(lookup, envVarDisplay, DefaultDisplay)
	origin := envOrDefault(lookup, envVarOrigin, "")
	token := envOrDefault(lookup, envVarToken, "")
	apiSecret := envOrDefault(lookup, envVarAPISecret, "")
	metricsListenAddr := envOrDefault(lookup, envVarMetricsListenAddr, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	room, err := envInt64OrDefault(lookup, envVarRoom, DefaultRoom)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	subscribe, err := envBoolOrDefault(lookup, envVarSubscribe, true)
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := envBoolOrDefault(lookup, envVarInsecureSkipVerify, false)
	if err != nil {
		return Config{}, err
	}
	duration, err := envDurationOrDefault(lookup, envVarDuration, DefaultDuration)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := envDurationOrDefault(lookup, envVarRequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	keepaliveInterval, err := envDurationOrDefault(lookup, envVarKeepaliveInterval, 0)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, envVarDialTimeout, DefaultDialTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	fs := flag.NewFlagSet("janus-ws-connect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		verbosity    verbosityFlag
		veryVerbose  bool
	)

	fs.String(flagConfig, configFile, "TOML file supplying defaults below environment variables (env "+envVarConfigFile+")")
	fs.StringVar(&subprotocol, "subprotocol", subprotocol, "WebSocket subprotocol to negotiate (env "+envVarSubprotocol+")")
	fs.Int64Var(&room, "room", room, "Video room to join (env "+envVarRoom+")")
	fs.StringVar(&display, "display", display, "Display name announced to the room (env "+envVarDisplay+")")
	fs.BoolVar(&subscribe, "subscribe", subscribe, "Subscribe to publishers already in the room (env "+envVarSubscribe+")")
	fs.DurationVar(&duration, "duration", duration, "How long to stay in the room; 0 runs until interrupted (env "+envVarDuration+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text, json or color")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.Var(&verbosity, "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&veryVerbose, "vv", false, "Shorthand for -v -v")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "Max time to wait for a gateway reply; 0 waits forever (env "+envVarRequestTimeout+")")
	fs.DurationVar(&keepaliveInterval, "keepalive-interval", keepaliveInterval, "Send session keepalives at this interval; 0 disables (env "+envVarKeepaliveInterval+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "WebSocket handshake timeout (env "+envVarDialTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound gateway frame size in bytes (env "+envVarMaxMessageBytes+")")
	fs.BoolVar(&insecureSkipVerify, "insecure-skip-verify", insecureSkipVerify, "Skip TLS certificate verification for wss:// (env "+envVarInsecureSkipVerify+")")
	fs.StringVar(&origin, "origin", origin, "Origin header sent with the WebSocket upgrade (env "+envVarOrigin+")")
	fs.StringVar(&token, "token", token, "Gateway token attached to every request (env "+envVarToken+")")
	fs.StringVar(&apiSecret, "api-secret", apiSecret, "Gateway API secret attached to every request (env "+envVarAPISecret+")")
	fs.StringVar(&metricsListenAddr, "metrics-listen-addr", metricsListenAddr, "Serve /healthz, /readyz and /metrics on this address; empty disables (env "+envVarMetricsListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return Config{}, err
	}
	switch len(positional) {
	case 0:
	case 1:
		gatewayURL = positional[0]
	default:
		return Config{}, fmt.Errorf("expected a single gateway URL argument, got %d", len(positional))
	}

	if veryVerbose && verbosity < 2 {
		verbosity = 2
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	if verbosity > 0 {
		logLevel = slog.LevelDebug
	}

	gatewayURL, err = parseGatewayURL(gatewayURL)
	if err != nil {
		return Config{}, err
	}
	subprotocol = strings.TrimSpace(subprotocol)
	if !isValidWebSocketSubprotocolToken(subprotocol) {
		return Config{}, fmt.Errorf("invalid %s/--subprotocol %q (expected an HTTP token)", envVarSubprotocol, subprotocol)
	}
	if room <= 0 {
		return Config{}, fmt.Errorf("invalid %s/--room %d (must be > 0)", envVarRoom, room)
	}
	display = strings.TrimSpace(display)
	if display == "" {
		return Config{}, fmt.Errorf("%s/--display must not be empty", envVarDisplay)
	}
	if duration < 0 {
		return Config{}, fmt.Errorf("invalid %s/--duration %s (must be >= 0)", envVarDuration, duration)
	}
	if requestTimeout < 0 {
		return Config{}, fmt.Errorf("invalid %s/--request-timeout %s (must be >= 0)", envVarRequestTimeout, requestTimeout)
	}
	if keepaliveInterval < 0 {
		return Config{}, fmt.Errorf("invalid %s/--keepalive-interval %s (must be >= 0)", envVarKeepaliveInterval, keepaliveInterval)
	}
	if dialTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s/--dial-timeout %s (must be > 0)", envVarDialTimeout, dialTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s/--max-message-bytes %d (must be > 0)", envVarMaxMessageBytes, maxMessageBytes)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s/--shutdown-timeout %s (must be > 0)", envVarShutdownTimeout, shutdownTimeout)
	}
	if insecureSkipVerify && mode == ModeProd {
		return Config{}, fmt.Errorf("%s/--insecure-skip-verify is not allowed in %s mode", envVarInsecureSkipVerify, ModeProd)
	}

	origin, err = normalizeOrigin(origin)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--origin: %w", envVarOrigin, err)
	}

	metricsListenAddr = strings.TrimSpace(metricsListenAddr)
	if metricsListenAddr != "" {
		if _, _, err := net.SplitHostPort(metricsListenAddr); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--metrics-listen-addr %q: %w", envVarMetricsListenAddr, metricsListenAddr, err)
		}
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("both %s and %s must be set to restrict the WebRTC UDP port range", "--"+flagWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	cfg := Config{
		GatewayURL:                   gatewayURL,
		Subprotocol:                  subprotocol,
		ConfigFile:                   configFile,
		Room:                         room,
		Display:                      display,
		Subscribe:                    subscribe,
		Duration:                     duration,
		Mode:                         mode,
		LogFormat:                    logFormat,
		LogLevel:                     logLevel,
		Verbosity:                    int(verbosity),
		RequestTimeout:               requestTimeout,
		KeepaliveInterval:            keepaliveInterval,
		DialTimeout:                  dialTimeout,
		MaxMessageBytes:              maxMessageBytes,
		InsecureSkipVerify:           insecureSkipVerify,
		Origin:                       origin,
		Token:                        token,
		APISecret:                    apiSecret,
		MetricsListenAddr:            metricsListenAddr,
		ShutdownTimeout:              shutdownTimeout,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
	}

	// A bad ICE list is reported as a startup warning instead of failing:
	// host candidates still work on a LAN gateway.
	iceServers, skipped, err := iceSources{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.resolve()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
		cfg.SkippedICEServers = skipped
	}

	return cfg, nil
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positional ones.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if rest[0] == "--" {
			return append(positional, rest[1:]...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// configFileFromArgs finds --config before the flag set is built, so the file
// can supply flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, flagConfig+"="); ok {
			return v
		}
		if name == flagConfig && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parseGatewayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing gateway URL (pass it as the first argument or set " + envVarGatewayURL + ")")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("invalid gateway URL %q (expected ws:// or wss://)", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway URL %q (missing host)", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("invalid gateway URL %q (must not include credentials; use --token or --api-secret)", raw)
	}
	return raw, nil
}

func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("expected full origin like https://example.com, got %q", raw)
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// verbosityFlag counts repeated -v flags.
type verbosityFlag int

func (v *verbosityFlag) String() string {
	if v == nil {
		return "0"
	}
	return strconv.Itoa(int(*v))
}

func (v *verbosityFlag) Set(raw string) error {
	on, err := strconv.ParseBool(raw)
	if err != nil {
		return err
	}
	if on {
		*v++
	}
	return nil
}

func (v *verbosityFlag) IsBoolFlag() bool { return true }

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	case string(LogFormatColor):
		return LogFormatColor, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text, json or color)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

// isValidWebSocketSubprotocolToken reports whether raw is a valid WebSocket
// subprotocol token per RFC 6455, which uses the HTTP token grammar (RFC 7230
// tchar).
func isValidWebSocketSubprotocolToken(raw string) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
			continue
		case c >= 'A' && c <= 'Z':
			continue
		case c >= '0' && c <= '9':
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return false
		}
	}
	return true
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
