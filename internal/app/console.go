package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/group"
	"github.com/petervdpas/goopcall/internal/proto"
)

// Calls is the part of call.Manager the console drives.
type Calls interface {
	StartCall(ctx context.Context, chatID, peerID string, typ proto.CallType) error
	AcceptCall(ctx context.Context) error
	RejectCall() error
	EndCall(notifyRemote bool)
	ToggleMute() bool
	ToggleCamera() bool
	SwitchCamera(ctx context.Context) error
	State() call.State
}

// Groups is the part of group.Session the console drives.
type Groups interface {
	StartGroupCall(ctx context.Context, chatID string, typ proto.CallType) error
	EndGroupCall()
	State() group.State
}

// Console maps typed commands onto the call and group controllers.
type Console struct {
	Self   string
	Calls  Calls
	Groups Groups
	Out    io.Writer
}

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  call <user> [audio|video] [chat]   start a call
  accept | reject                    answer the ringing call
  hangup                             end the current call
  mute | camera                      toggle microphone / camera
  switch                             move video to the next camera
  group <chat> [audio|video]         join the chat's group call
  leave                              leave the group call
  status                             show call and group state
  quit`

// Exec runs one command line. It returns errQuit for quit.
func (c *Console) Exec(ctx context.Context, line string) error {
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil
	}
	switch cmd, args := strings.ToLower(f[0]), f[1:]; cmd {
	case "help", "?":
		fmt.Fprintln(c.Out, consoleHelp)

	case "call":
		if len(args) == 0 {
			return fmt.Errorf("usage: call <user> [audio|video] [chat]")
		}
		peer, typ := args[0], proto.CallAudio
		if len(args) > 1 {
			typ = proto.CallType(strings.ToLower(args[1]))
			if !typ.Valid() {
				return fmt.Errorf("unknown call type %q", args[1])
			}
		}
		chat := directChatID(c.Self, peer)
		if len(args) > 2 {
			chat = args[2]
		}
		return c.Calls.StartCall(ctx, chat, peer, typ)

	case "accept":
		return c.Calls.AcceptCall(ctx)

	case "reject":
		return c.Calls.RejectCall()

	case "hangup", "end":
		c.Calls.EndCall(true)

	case "mute":
		if c.Calls.ToggleMute() {
			fmt.Fprintln(c.Out, "microphone muted")
		} else {
			fmt.Fprintln(c.Out, "microphone live")
		}

	case "camera":
		if c.Calls.ToggleCamera() {
			fmt.Fprintln(c.Out, "camera off")
		} else {
			fmt.Fprintln(c.Out, "camera on")
		}

	case "switch":
		if err := c.Calls.SwitchCamera(ctx); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "camera: %s\n", c.Calls.State().VideoDeviceID)

	case "group":
		if len(args) == 0 {
			return fmt.Errorf("usage: group <chat> [audio|video]")
		}
		typ := proto.CallAudio
		if len(args) > 1 {
			typ = proto.CallType(strings.ToLower(args[1]))
		}
		return c.Groups.StartGroupCall(ctx, args[0], typ)

	case "leave":
		c.Groups.EndGroupCall()

	case "status":
		c.printStatus()

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *Console) printStatus() {
	st := c.Calls.State()
	fmt.Fprintf(c.Out, "call:  %s", st.Status)
	if st.Status != call.StatusIdle {
		fmt.Fprintf(c.Out, " %s with %s in %s (muted=%v camera_off=%v)",
			st.CallType, st.PeerUserID, st.ChatID, st.Muted, st.CameraOff)
	}
	if st.Incoming != nil {
		fmt.Fprintf(c.Out, " [incoming from %s]", st.Incoming.FromUserID)
	}
	fmt.Fprintln(c.Out)

	g := c.Groups.State()
	switch {
	case g.Open:
		fmt.Fprintf(c.Out, "group: open %s call in %s\n", g.Type, g.ChatID)
	case g.Connecting:
		fmt.Fprintf(c.Out, "group: joining %s\n", g.ChatID)
	case g.Error != "":
		fmt.Fprintf(c.Out, "group: closed (%s)\n", g.Error)
	default:
		fmt.Fprintln(c.Out, "group: closed")
	}
}

// Loop reads commands from in until EOF, quit or ctx ends. Command errors
// are printed and do not stop the loop.
func (c *Console) Loop(ctx context.Context, in io.Reader) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.Out, "> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(c.Out, "error: %v\n", err)
			}
		}
	}
}
