// Package proto holds the signaling wire contract shared by the call agent
// and the development relay: event names and their JSON payloads.
package proto

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaling event names.
const (
	EventIncoming  = "call:incoming"
	EventInvite    = "call:invite"
	EventOffer     = "call:offer"
	EventAnswer    = "call:answer"
	EventCandidate = "call:candidate"
	EventAccept    = "call:accept"
	EventReject    = "call:reject"
	EventEnd       = "call:end"

	EventGroupStarted = "group:call:started"
	EventGroupEnded   = "group:call:ended"
)

// Reject / end reasons.
const (
	ReasonBusy    = "busy"
	ReasonEnded   = "ended"
	ReasonTimeout = "timeout"
	ReasonFailed  = "failed"
)

// CallType selects which local media a call captures.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

// Envelope is one message on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Incoming announces an invitation to the callee.
type Incoming struct {
	ChatID         string   `json:"chatId"`
	FromUserID     string   `json:"fromUserId"`
	FromUserName   string   `json:"fromUserName,omitempty"`
	FromUserAvatar string   `json:"fromUserAvatar,omitempty"`
	Type           CallType `json:"type"`
	Timestamp      int64    `json:"timestamp"`
}

// Invite is sent by the caller; the relay turns it into Incoming.
type Invite struct {
	ChatID   string   `json:"chatId"`
	ToUserID string   `json:"toUserId"`
	Type     CallType `json:"type"`
}

// Description carries an SDP offer or answer.
type Description struct {
	ChatID     string                    `json:"chatId"`
	ToUserID   string                    `json:"toUserId,omitempty"`
	FromUserID string                    `json:"fromUserId,omitempty"`
	SDP        webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	ChatID     string                  `json:"chatId"`
	ToUserID   string                  `json:"toUserId,omitempty"`
	FromUserID string                  `json:"fromUserId,omitempty"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

// Control is the payload of accept, reject and end.
type Control struct {
	ChatID     string `json:"chatId"`
	ToUserID   string `json:"toUserId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// GroupNotice is the best-effort group call notification.
type GroupNotice struct {
	ChatID     string   `json:"chatId"`
	Type       CallType `json:"type,omitempty"`
	FromUserID string   `json:"fromUserId,omitempty"`
}

// ICEResponse is the body of GET /ice/twilio.
type ICEResponse struct {
	ICEServers []RawICEServer `json:"iceServers"`
}

// RawICEServer accepts both the plural and the legacy singular URL field;
// either may hold a string or a list of strings.
type RawICEServer struct {
	URLs       any    `json:"urls,omitempty"`
	URL        any    `json:"url,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// TokenRequest is the body of POST /rtc/token.
type TokenRequest struct {
	RoomName string `json:"roomName"`
}

// TokenResponse is the reply of POST /rtc/token.
type TokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
