package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

// Conference is the conferencing client a group call hands off to.
type Conference interface {
	// Join connects to the room at url and returns a handle for exactly that
	// room. onDisconnect fires at most once when the server side drops the
	// connection; it is not called for Room.Leave.
	Join(ctx context.Context, url, token string, typ proto.CallType, onDisconnect func()) (Room, error)
}

// Room is one joined conference room.
type Room interface {
	Leave() error
}

// LiveKitConference joins rooms with the LiveKit Go SDK and publishes local
// capture into them. It holds at most one room at a time.
type LiveKitConference struct {
	// Capture, when set, supplies the microphone (and camera for video
	// calls) published into the room.
	Capture media.Capturer
	// OnRemoteRTP is called with the size of every packet received from
	// other participants.
	OnRemoteRTP func(kind webrtc.RTPCodecType, n int)

	mu   sync.Mutex
	busy bool
}

type liveKitRoom struct {
	conf *LiveKitConference

	mu      sync.Mutex
	room    *lksdk.Room
	local   *media.LocalStream
	leaving bool
	left    bool
}

func (c *LiveKitConference) Join(ctx context.Context, url, token string, typ proto.CallType, onDisconnect func()) (Room, error) {
	// The slot is taken before connecting so two joins never race.
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	c.busy = true
	c.mu.Unlock()

	r := &liveKitRoom{conf: c}
	var once sync.Once
	cb := &lksdk.RoomCallback{
		OnDisconnected: func() {
			r.mu.Lock()
			leaving := r.leaving
			r.mu.Unlock()
			if !leaving && onDisconnect != nil {
				once.Do(onDisconnect)
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				log.Infof("GROUP: subscribed to %s track of %s", track.Kind(), rp.Identity())
				go c.drain(track)
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		c.release()
		return nil, fmt.Errorf("connect to room: %w", err)
	}
	r.room = room
	if err := ctx.Err(); err != nil {
		_ = r.Leave()
		return nil, err
	}

	if c.Capture != nil {
		local, err := c.publish(ctx, room, typ)
		if err != nil {
			// Receive-only participation is still useful.
			log.Warnf("GROUP [%s]: publishing local media failed: %v", room.Name(), err)
		}
		r.mu.Lock()
		r.local = local
		r.mu.Unlock()
	}

	log.Infof("GROUP [%s]: joined as %s", room.Name(), room.LocalParticipant.Identity())
	return r, nil
}

func (c *LiveKitConference) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *LiveKitConference) publish(ctx context.Context, room *lksdk.Room, typ proto.CallType) (*media.LocalStream, error) {
	stream, err := c.Capture.GetUserMedia(ctx, media.Constraints{Audio: true, Video: typ == proto.CallVideo})
	if err != nil {
		return nil, err
	}
	for _, t := range stream.Tracks {
		tl, ok := media.TrackLocalOf(t)
		if !ok {
			continue
		}
		if _, err := room.LocalParticipant.PublishTrack(tl, &lksdk.TrackPublicationOptions{Name: t.Kind().String()}); err != nil {
			_ = stream.Stop()
			return nil, fmt.Errorf("publish %s: %w", t.Kind(), err)
		}
	}
	return stream, nil
}

func (c *LiveKitConference) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("GROUP: remote %s track closed: %v", track.Kind(), err)
			}
			return
		}
		if c.OnRemoteRTP != nil {
			c.OnRemoteRTP(track.Kind(), pkt.MarshalSize())
		}
	}
}

// Leave disconnects this room and frees the conference for the next join.
// Calling it twice is a no-op.
func (r *liveKitRoom) Leave() error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left, r.leaving = true, true
	room, local := r.room, r.local
	r.local = nil
	r.mu.Unlock()

	defer r.conf.release()
	if room != nil {
		room.Disconnect()
	}
	return local.Stop()
}
