// Package ringtone plays a looping alert while a call is pending.
package ringtone

import (
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("ringtone")

// DefaultInterval between two plays of the alert.
const DefaultInterval = 2 * time.Second

// Sound is one play of the alert.
type Sound interface {
	Play() error
}

// Ringer is what the call controller drives.
type Ringer interface {
	Start()
	Stop()
}

// Bell rings the terminal bell on W.
type Bell struct {
	W io.Writer
}

func (b Bell) Play() error {
	_, err := b.W.Write([]byte("\a"))
	return err
}

// Controller loops a Sound from its first Start until Stop. Start while
// playing and Stop while silent are no-ops. Playback errors are logged and
// never reach the caller.
type Controller struct {
	sound    Sound
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(sound Sound, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{sound: sound, interval: interval}
}

// Start begins playback from the beginning.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
}

// Stop halts playback and waits for the loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Playing reports whether the loop is running.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

func (c *Controller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if err := c.sound.Play(); err != nil {
			log.Debugf("RINGTONE: play failed: %v", err)
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}
