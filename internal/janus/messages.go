package janus

import (
	"encoding/json"
	"fmt"
)

// Kind is the value of the "janus" field of every frame.
type Kind string

// Request kinds.
const (
	KindCreate    Kind = "create"
	KindAttach    Kind = "attach"
	KindMessage   Kind = "message"
	KindDestroy   Kind = "destroy"
	KindDetach    Kind = "detach"
	KindKeepalive Kind = "keepalive"
)

// Reply and push kinds.
const (
	KindSuccess    Kind = "success"
	KindServerInfo Kind = "server_info"
	KindEvent      Kind = "event"
	KindError      Kind = "error"
	KindTimeout    Kind = "timeout"
	KindAck        Kind = "ack"
	KindWebRTCUp   Kind = "webrtcup"
	KindMedia      Kind = "media"
	KindHangup     Kind = "hangup"
	KindSlowLink   Kind = "slowlink"
	KindTrickle    Kind = "trickle"
	KindDetached   Kind = "detached"
)

// isNotification reports whether k is a handle-addressed push that never
// answers a request.
func (k Kind) isNotification() bool {
	switch k {
	case KindWebRTCUp, KindMedia, KindHangup, KindSlowLink, KindTrickle, KindDetached:
		return true
	default:
		return false
	}
}

// JSEP carries a session description between the gateway and the media engine.
type JSEP struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Trickle *bool  `json:"trickle,omitempty"`
}

// Request is an outgoing frame. Transaction, SessionID and HandleID are filled
// in by the Session; callers only set the kind-specific fields.
type Request struct {
	Janus       Kind            `json:"janus"`
	Transaction string          `json:"transaction"`
	SessionID   int64           `json:"session_id,omitempty"`
	HandleID    int64           `json:"handle_id,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	JSEP        *JSEP           `json:"jsep,omitempty"`

	Token     string `json:"token,omitempty"`
	APISecret string `json:"apisecret,omitempty"`
}

// Message is the payload of a plugin "message" request. Body is marshalled to
// JSON as-is.
type Message struct {
	Body any
	JSEP *JSEP
}

// PluginData is the plugin-specific part of a reply or event.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// ErrorInfo is the "error" object of an error reply.
type ErrorInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Response is an incoming frame. Raw holds the complete frame so callers can
// decode fields this type does not model.
type Response struct {
	Janus       Kind            `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   int64           `json:"session_id,omitempty"`
	Sender      int64           `json:"sender,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	JSEP        *JSEP           `json:"jsep,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func parseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	if err := resp.validate(); err != nil {
		return Response{}, err
	}
	resp.Raw = append(json.RawMessage(nil), data...)
	return resp, nil
}

func (r Response) validate() error {
	switch r.Janus {
	case "":
		return fmt.Errorf("%w: frame missing janus kind", ErrProtocol)
	case KindSuccess, KindServerInfo, KindAck:
		return nil
	case KindError:
		if r.Error == nil {
			return fmt.Errorf("%w: error frame missing error object", ErrProtocol)
		}
		return nil
	case KindEvent:
		if r.Sender == 0 {
			return fmt.Errorf("%w: event frame missing sender", ErrProtocol)
		}
		return nil
	case KindTimeout:
		return nil
	default:
		if r.Janus.isNotification() {
			return nil
		}
		return fmt.Errorf("%w: unsupported janus kind %q", ErrProtocol, r.Janus)
	}
}

// gatewayError converts an error reply into a *GatewayError. It returns nil
// for every other kind.
func (r Response) gatewayError() error {
	if r.Janus != KindError || r.Error == nil {
		return nil
	}
	return &GatewayError{Code: r.Error.Code, Reason: r.Error.Reason}
}

// dataID extracts data.id, the identifier the gateway assigns on create and
// attach.
func (r Response) dataID() (int64, error) {
	var data struct {
		ID *int64 `json:"id"`
	}
	if len(r.Data) == 0 {
		return 0, fmt.Errorf("%w: %s reply missing data", ErrProtocol, r.Janus)
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return 0, fmt.Errorf("%w: decode data: %v", ErrProtocol, err)
	}
	if data.ID == nil {
		return 0, fmt.Errorf("%w: reply data missing id", ErrProtocol)
	}
	return *data.ID, nil
}

// DecodePluginData unmarshals plugindata.data into v.
func (r Response) DecodePluginData(v any) error {
	if r.PluginData == nil || len(r.PluginData.Data) == 0 {
		return fmt.Errorf("%w: %s frame missing plugindata", ErrProtocol, r.Janus)
	}
	if err := json.Unmarshal(r.PluginData.Data, v); err != nil {
		return fmt.Errorf("%w: decode plugindata: %v", ErrProtocol, err)
	}
	return nil
}
