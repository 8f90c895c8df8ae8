package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Identity is the authenticated sender of an event.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Delivery is the result of routing one inbound event at a relay.
type Delivery struct {
	// To is the addressee. Empty with Broadcast set means every other user.
	To        string
	Broadcast bool
	Envelope  proto.Envelope
}

var errNoAddressee = errors.New("missing toUserId")

// Route applies the relay rules to an event emitted by from:
// call:invite becomes call:incoming for the addressee, other call events
// are forwarded with fromUserId stamped, group notices are broadcast.
func Route(from Identity, env proto.Envelope, nowMillis int64) (Delivery, error) {
	switch {
	case env.Event == proto.EventInvite:
		var inv proto.Invite
		if err := json.Unmarshal(env.Data, &inv); err != nil {
			return Delivery{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if inv.ToUserID == "" {
			return Delivery{}, errNoAddressee
		}
		data, err := json.Marshal(proto.Incoming{
			ChatID:         inv.ChatID,
			FromUserID:     from.UserID,
			FromUserName:   from.Name,
			FromUserAvatar: from.Avatar,
			Type:           inv.Type,
			Timestamp:      nowMillis,
		})
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{To: inv.ToUserID, Envelope: proto.Envelope{Event: proto.EventIncoming, Data: data}}, nil

	case strings.HasPrefix(env.Event, "group:call:"):
		data, err := stamp(env.Data, from.UserID)
		if err != nil {
			return Delivery{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return Delivery{Broadcast: true, Envelope: proto.Envelope{Event: env.Event, Data: data}}, nil

	case strings.HasPrefix(env.Event, "call:"):
		var addr struct {
			ToUserID string `json:"toUserId"`
		}
		if err := json.Unmarshal(env.Data, &addr); err != nil {
			return Delivery{}, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if addr.ToUserID == "" {
			return Delivery{}, errNoAddressee
		}
		data, err := stamp(env.Data, from.UserID)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{To: addr.ToUserID, Envelope: proto.Envelope{Event: env.Event, Data: data}}, nil
	}
	return Delivery{}, fmt.Errorf("unroutable event %q", env.Event)
}

// stamp sets fromUserId on a JSON object payload.
func stamp(data json.RawMessage, from string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	m["fromUserId"] = from
	return json.Marshal(m)
}
