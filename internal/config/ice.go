package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "JANUS_ICE_SERVERS_JSON"

	envStunURLs       = "JANUS_STUN_URLS"
	envTurnURLs       = "JANUS_TURN_URLS"
	envTurnUsername   = "JANUS_TURN_USERNAME"
	envTurnCredential = "JANUS_TURN_CREDENTIAL"
)

// SkippedICEServer is a configured ICE server the peers will not use.
type SkippedICEServer struct {
	URLs   []string
	Reason string
}

// iceSources holds the raw ICE settings. The JSON list and the STUN/TURN
// shorthands are combined, JSON entries first.
type iceSources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// resolve turns the sources into the server list handed to every
// PeerConnection. A malformed source fails the whole list. A TURN server
// without a username and credential cannot authenticate; it is skipped and
// reported instead.
func (src iceSources) resolve() ([]webrtc.ICEServer, []SkippedICEServer, error) {
	var candidates []webrtc.ICEServer
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		parsed, err := decodeICEServersJSON(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		candidates = append(candidates, parsed...)
	}
	if urls := splitCommaSeparated(src.STUNURLs); len(urls) > 0 {
		candidates = append(candidates, webrtc.ICEServer{URLs: urls})
	}
	if urls := splitCommaSeparated(src.TURNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(src.TURNUsername)}
		if cred := strings.TrimSpace(src.TURNCredential); cred != "" {
			server.Credential = cred
		}
		candidates = append(candidates, server)
	}

	var servers []webrtc.ICEServer
	var skipped []SkippedICEServer
	for i, server := range candidates {
		turn, err := checkICEURLs(server.URLs)
		if err != nil {
			return nil, nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		if turn && !hasTURNCredentials(server) {
			skipped = append(skipped, SkippedICEServer{
				URLs:   server.URLs,
				Reason: "turn server without username and credential",
			})
			continue
		}
		servers = append(servers, server)
	}
	return servers, skipped, nil
}

// iceServerJSON mirrors RTCIceServer, where "urls" may be a string or a list.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func decodeICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		server := webrtc.ICEServer{Username: strings.TrimSpace(e.Username)}
		for _, u := range e.URLs {
			if u = strings.TrimSpace(u); u != "" {
				server.URLs = append(server.URLs, u)
			}
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		out = append(out, server)
	}
	return out, nil
}

// checkICEURLs parses every url and reports whether any of them is TURN.
func checkICEURLs(urls []string) (turn bool, err error) {
	if len(urls) == 0 {
		return false, errors.New("missing urls")
	}
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return false, fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
	}
	return turn, nil
}

func hasTURNCredentials(server webrtc.ICEServer) bool {
	cred, _ := server.Credential.(string)
	return strings.TrimSpace(server.Username) != "" && strings.TrimSpace(cred) != ""
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
