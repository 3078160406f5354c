package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/formsync/internal/appstate"
	"github.com/agentworkforce/formsync/internal/forms"
)

const (
	streamBuffer       = 16
	streamWriteTimeout = 5 * time.Second
)

// stateMessage is the frame sent on every dispatch. Only the draft view of
// the registry is streamed.
type stateMessage struct {
	User   appstate.Identity   `json:"user"`
	Sync   appstate.SyncStatus `json:"sync"`
	Loaded bool                `json:"loaded"`
	Forms  forms.Registry      `json:"forms"`
}

func newStateMessage(state appstate.State) stateMessage {
	return stateMessage{
		User:   state.User,
		Sync:   state.Sync,
		Loaded: state.Loaded,
		Forms:  state.Forms.Drafts(),
	}
}

// handleStateStream sends the current state, then one frame per dispatch.
// A client that falls behind by more than streamBuffer frames only gets
// the latest state.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logf("state stream upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates := make(chan appstate.State, streamBuffer)
	cancel := s.state.Subscribe(func(state appstate.State) {
		select {
		case updates <- state:
		default:
			// Drop the oldest frame; the newest state supersedes it.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- state:
			default:
			}
		}
	})
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := s.writeState(ctx, conn, s.state.State()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case state := <-updates:
			if err := s.writeState(ctx, conn, state); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logf("state stream write failed: %v", err)
				}
				return
			}
		}
	}
}

func (s *Server) writeState(ctx context.Context, conn *websocket.Conn, state appstate.State) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, newStateMessage(state))
}
