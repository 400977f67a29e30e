package videoroom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/mayukhdev/janus-ws-connect/internal/janus"
)

// ErrNoJSEP is returned when the plugin answers a negotiation step without a
// session description.
var ErrNoJSEP = errors.New("videoroom: reply carries no jsep")

// PluginError is an error reported inside plugindata rather than as a gateway
// error frame.
type PluginError struct {
	Code   int
	Reason string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("videoroom error %d: %s", e.Code, e.Reason)
}

type Publisher struct {
	ID      int64  `json:"id"`
	Display string `json:"display"`
}

type JoinResult struct {
	Room       int64       `json:"room"`
	ID         int64       `json:"id"`
	PrivateID  int64       `json:"private_id"`
	Publishers []Publisher `json:"publishers"`
}

// pluginReply is the common shape of videoroom plugindata.data.
type pluginReply struct {
	Videoroom   string      `json:"videoroom"`
	ErrorCode   int         `json:"error_code"`
	Error       string      `json:"error"`
	Room        int64       `json:"room"`
	ID          int64       `json:"id"`
	PrivateID   int64       `json:"private_id"`
	Publishers  []Publisher `json:"publishers"`
	Configured  string      `json:"configured"`
	Started     string      `json:"started"`
	Leaving     any         `json:"leaving"`
	Unpublished any         `json:"unpublished"`
}

func decodeReply(resp janus.Response) (pluginReply, error) {
	var reply pluginReply
	if err := resp.DecodePluginData(&reply); err != nil {
		return pluginReply{}, err
	}
	if reply.ErrorCode != 0 || reply.Error != "" {
		return pluginReply{}, &PluginError{Code: reply.ErrorCode, Reason: reply.Error}
	}
	return reply, nil
}

type joinPublisherRequest struct {
	Request string `json:"request"`
	PType   string `json:"ptype"`
	Room    int64  `json:"room"`
	Display string `json:"display,omitempty"`
}

type configureRequest struct {
	Request string `json:"request"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type joinSubscriberRequest struct {
	Request string `json:"request"`
	PType   string `json:"ptype"`
	Room    int64  `json:"room"`
	Feed    int64  `json:"feed"`
}

type startRequest struct {
	Request string `json:"request"`
	Room    int64  `json:"room,omitempty"`
}

// mediaFlags reports whether the offer sends audio and video. A section
// counts when its port is non-zero and it is not recvonly or inactive.
func mediaFlags(offer string) (audio, video bool, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return false, false, fmt.Errorf("parse offer sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		if !sends(m) {
			continue
		}
		switch strings.ToLower(m.MediaName.Media) {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	return audio, video, nil
}

func sends(m *sdp.MediaDescription) bool {
	for _, a := range m.Attributes {
		switch a.Key {
		case "recvonly", "inactive":
			return false
		}
	}
	return true
}

func offerJSEP(j janus.JSEP) *janus.JSEP {
	trickle := false
	j.Trickle = &trickle
	return &j
}
