package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/rickgao/airsense-sync/internal/coordinator"
	"github.com/rickgao/airsense-sync/internal/model"
)

// Frame types sent to dashboard clients.
const (
	FrameStatus = "status"
	FrameUpdate = "update"
	FrameAck    = "ack"
	FrameError  = "error"
)

// Frame is an outbound dashboard message.
type Frame struct {
	Type   string              `json:"type"`
	Update *model.Update       `json:"update,omitempty"`
	Status *coordinator.Status `json:"status,omitempty"`
	Action string              `json:"action,omitempty"`
	OK     bool                `json:"ok,omitempty"`
	Error  string              `json:"error,omitempty"`
}

const writeTimeout = 5 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	session := uuid.NewString()
	logger := s.logger.With("session", session)
	logger.Debug("dashboard client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	commands := make(chan model.ControlFrame)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readCommands(ctx, conn, commands)
	}()

	target := s.syncer.Status().Target
	subCtx, unsub := context.WithCancel(ctx)
	updates := s.bus.Subscribe(subCtx, target)
	defer func() { unsub() }()

	if err := s.writeStatus(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErr:
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debug("dashboard client disconnected")
			} else if !errors.Is(err, context.Canceled) {
				logger.Debug("dashboard read ended", "error", err)
			}
			return

		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := write(ctx, conn, Frame{Type: FrameUpdate, Update: &u}); err != nil {
				logger.Debug("write update failed", "error", err)
				return
			}

		case cmd := <-commands:
			var frame Frame
			switch cmd.Action {
			case model.ActionRefresh:
				frame = Frame{Type: FrameAck, Action: cmd.Action, OK: s.syncer.Refresh()}

			case model.ActionSubscribe:
				if cmd.Location == "" {
					frame = Frame{Type: FrameError, Action: cmd.Action, Error: "location is required"}
					break
				}
				unsub()
				subCtx, unsub = context.WithCancel(ctx)
				updates = s.bus.Subscribe(subCtx, cmd.Location)
				s.syncer.SetTarget(cmd.Location)
				logger.Info("dashboard switched location", "location", cmd.Location)
				frame = Frame{Type: FrameAck, Action: cmd.Action, OK: true}

			default:
				frame = Frame{Type: FrameError, Action: cmd.Action, Error: "unknown action"}
			}
			if err := write(ctx, conn, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := s.writeStatus(ctx, conn); err != nil {
				return
			}
		}
	}
}

// readCommands decodes client control frames until the connection fails.
// Malformed frames are skipped.
func readCommands(ctx context.Context, conn *websocket.Conn, out chan<- model.ControlFrame) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var cmd model.ControlFrame
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn) error {
	st := s.syncer.Status()
	return write(ctx, conn, Frame{Type: FrameStatus, Status: &st})
}

func write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
