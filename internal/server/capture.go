package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keylab/internal/completion"
	"keylab/internal/config"
	"keylab/internal/keystroke"
	"keylab/internal/logging"
	"keylab/internal/store"
	"keylab/internal/task"
)

// Capture frame types.
const (
	FrameStart     = "start"
	FrameKeys      = "keys"
	FrameClear     = "clear"
	FrameSubmit    = "submit"
	FrameAck       = "ack"
	FrameProgress  = "progress"
	FrameSubmitted = "submitted"
	FrameError     = "error"
)

const (
	captureWriteWait  = 10 * time.Second
	capturePongWait   = 60 * time.Second
	capturePingPeriod = 50 * time.Second
	captureReadLimit  = 1 << 20
	loopBuffer        = 16
)

// ClientFrame is a message sent by the page over /v1/capture.
type ClientFrame struct {
	Type       string               `json:"type"`
	UserID     string               `json:"user_id,omitempty"`
	PlatformID task.Platform        `json:"platform_id,omitempty"`
	TaskID     int                  `json:"task_id,omitempty"`
	Events     []keystroke.KeyInput `json:"events,omitempty"`
	Text       string               `json:"text,omitempty"`
}

// ServerFrame is a message sent to the page.
type ServerFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Count     int              `json:"count"`
	Files     []string         `json:"files,omitempty"`
	Stats     *keystroke.Stats `json:"stats,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// capture is one websocket connection. Everything below the loop field
// is owned by the loop goroutine.
type capture struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger
	ip     string
	cfg    config.CaptureConfig
	send   chan ServerFrame
	done   chan struct{}
	loop   *keystroke.Loop

	session   *keystroke.Session
	sessionID string
	userID    string
	platform  task.Platform
	taskID    int
	started   time.Time
	clock     *keystroke.MonotonicClock
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.conns.Acquire(ip) {
		writeError(w, http.StatusServiceUnavailable, "too many capture connections")
		return
	}
	defer s.conns.Release(ip)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("capture upgrade failed", "ip", ip, "error", err)
		return
	}

	logger := s.logger.With("component", "capture", "ip", ip)
	c := &capture{
		srv:    s,
		conn:   conn,
		logger: logger,
		ip:     ip,
		cfg:    s.settings().capture,
		send:   make(chan ServerFrame, 64),
		done:   make(chan struct{}),
		loop:   keystroke.NewLoop(loopBuffer, logger),
	}

	// The request context ends with the hijacked connection's handler.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		c.loop.Run(ctx)
	}()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)

	closeCtx, closeCancel := context.WithTimeout(ctx, time.Second)
	c.loop.Do(closeCtx, c.endSession)
	closeCancel()
	cancel()
	<-loopDone
	close(c.done)
	<-writerDone
	conn.Close()
}

func (c *capture) readPump(ctx context.Context) {
	defer logging.Recover(c.logger, "capture read pump")

	limit := c.srv.settings().policy.MaxSize
	c.conn.SetReadLimit(max(captureReadLimit, limit+captureReadLimit))
	c.conn.SetReadDeadline(time.Now().Add(capturePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(capturePongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("capture read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(capturePongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		if err := c.dispatch(ctx, frame); err != nil {
			if errors.Is(err, keystroke.ErrLoopStopped) || ctx.Err() != nil {
				return
			}
			c.reply(ServerFrame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (c *capture) writePump() {
	ticker := time.NewTicker(capturePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(captureWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("capture write failed", "error", err)
				c.drain()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(captureWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drain()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(captureWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain discards frames after a write failure so senders never block.
func (c *capture) drain() {
	c.conn.Close()
	for {
		select {
		case <-c.send:
		case <-c.done:
			return
		}
	}
}

func (c *capture) reply(f ServerFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *capture) dispatch(ctx context.Context, f ClientFrame) error {
	switch f.Type {
	case FrameStart:
		return c.start(ctx, f)
	case FrameKeys:
		return c.keys(ctx, f)
	case FrameClear:
		return c.clear(ctx)
	case FrameSubmit:
		return c.submit(ctx, f)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (c *capture) start(ctx context.Context, f ClientFrame) error {
	userID := strings.ToLower(strings.TrimSpace(f.UserID))
	if !completion.ValidUserID(userID) {
		return fmt.Errorf("invalid user id %q", f.UserID)
	}
	if f.TaskID < 0 {
		return fmt.Errorf("invalid task id %d", f.TaskID)
	}

	var id string
	err := c.loop.Do(ctx, func() {
		c.endSession()

		opts := []keystroke.Option{
			keystroke.WithScheduler(c.loop),
			keystroke.WithLogger(c.logger),
			keystroke.WithObserver(c.srv.metrics),
		}
		if c.cfg.Capacity > 0 {
			opts = append(opts, keystroke.WithCapacity(c.cfg.Capacity))
		}
		c.session = keystroke.NewSession(opts...)
		c.sessionID = uuid.NewString()
		c.userID = userID
		c.platform = f.PlatformID
		c.taskID = f.TaskID
		c.started = c.srv.now()
		c.clock = keystroke.NewMonotonicClock()
		id = c.sessionID

		if c.cfg.NotifyInterval > 0 {
			if ch, err := c.session.Subscribe(c.cfg.NotifyInterval); err == nil {
				go c.forwardProgress(ch)
			}
		}
		c.srv.metrics.SessionStarted()
	})
	if err != nil {
		return err
	}
	c.logger.Info("capture session started",
		"session_id", id, "user_id", userID, "platform", f.PlatformID.Name(), "task_id", f.TaskID)
	c.reply(ServerFrame{Type: FrameAck, SessionID: id})
	return nil
}

func (c *capture) forwardProgress(ch <-chan keystroke.Progress) {
	for p := range ch {
		c.reply(ServerFrame{Type: FrameProgress, Count: p.Count})
	}
}

// keys applies one frame of inputs as a single tick. The count is read
// after the tick's deferred release flush.
func (c *capture) keys(ctx context.Context, f ClientFrame) error {
	var count int
	var handleErr error
	err := c.loop.Do(ctx, func() {
		if c.session == nil {
			handleErr = keystroke.ErrNotInitialized
			return
		}
		if c.cfg.ServerTimestamps {
			now := c.clock.Now()
			for i := range f.Events {
				f.Events[i].Timestamp = now
			}
		}
		handleErr = c.session.HandleBatch(f.Events)
		c.loop.Schedule(func() { count = c.session.Count() })
	})
	if err != nil {
		return err
	}
	if handleErr != nil && errors.Is(handleErr, keystroke.ErrNotInitialized) {
		return handleErr
	}
	c.reply(ServerFrame{Type: FrameAck, Count: count})
	return handleErr
}

func (c *capture) clear(ctx context.Context) error {
	var clearErr error
	err := c.loop.Do(ctx, func() {
		if c.session == nil {
			clearErr = keystroke.ErrNotInitialized
			return
		}
		clearErr = c.session.Clear()
	})
	if err != nil {
		return err
	}
	if clearErr != nil {
		return clearErr
	}
	c.reply(ServerFrame{Type: FrameAck})
	return nil
}

type submission struct {
	csv       string
	stats     keystroke.Stats
	sessionID string
	userID    string
	platform  task.Platform
	taskID    int
	started   time.Time
}

func (c *capture) submit(ctx context.Context, f ClientFrame) error {
	var sub submission
	var exportErr error
	err := c.loop.Do(ctx, func() {
		if c.session == nil {
			exportErr = keystroke.ErrNotInitialized
			return
		}
		sub.csv, exportErr = c.session.ExportText()
		sub.stats = c.session.Stats()
		sub.sessionID = c.sessionID
		sub.userID = c.userID
		sub.platform = c.platform
		sub.taskID = c.taskID
		sub.started = c.started
	})
	if err != nil {
		return err
	}
	if exportErr != nil {
		return exportErr
	}

	files, err := c.srv.storeSubmission(ctx, sub, f.Text, c.ip)
	if err != nil {
		c.logger.Error("capture submit failed", "session_id", sub.sessionID, "error", err)
		return fmt.Errorf("submit failed: %w", err)
	}
	// The task is finished; the page starts a new session for the next one.
	if err := c.loop.Do(ctx, c.endSession); err != nil {
		return err
	}
	c.reply(ServerFrame{Type: FrameSubmitted, SessionID: sub.sessionID, Count: sub.stats.Events, Files: files, Stats: &sub.stats})
	return nil
}

// storeSubmission writes the keystroke log, raw text and metadata of a
// finished task and records the session summary.
func (s *Server) storeSubmission(ctx context.Context, sub submission, text, ip string) (files []string, err error) {
	ctx, span := s.tracer.Start(ctx, "store_submission")
	span.SetAttribute("session_id", sub.sessionID)
	span.SetAttribute("events", sub.stats.Events)
	defer func() {
		span.RecordError(err)
		span.End()
	}()

	end := s.now()
	names := task.Names(sub.platform, sub.userID, sub.taskID)
	meta, err := task.NewMetadata(sub.userID, sub.platform, sub.taskID, sub.started, end).Marshal()
	if err != nil {
		return nil, err
	}

	artifacts := []struct {
		name string
		data []byte
	}{
		{names.Keystrokes, []byte(sub.csv)},
		{names.Raw, []byte(text)},
		{names.Metadata, meta},
	}
	for _, a := range artifacts {
		if len(a.data) == 0 {
			continue
		}
		if err := s.storeArtifact(ctx, a.name, a.data, ip); err != nil {
			return files, fmt.Errorf("store %s: %w", a.name, err)
		}
		files = append(files, a.name)
	}

	err = s.store.RecordSession(ctx, &store.CaptureSession{
		ID:          sub.sessionID,
		UserID:      sub.userID,
		PlatformID:  int(sub.platform),
		TaskID:      sub.taskID,
		StartedAt:   sub.started,
		EndedAt:     end,
		Events:      sub.stats.Events,
		Truncations: sub.stats.Truncations,
		Dropped:     sub.stats.Dropped,
		Duplicates:  sub.stats.Duplicates,
		Orphans:     sub.stats.Orphans,
	})
	if err != nil {
		return files, err
	}

	s.metrics.SessionSubmitted(sub.stats.Events)
	s.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditCaptureSubmitted,
		UserID:    sub.userID,
		Resource:  sub.sessionID,
		SourceIP:  ip,
		Details:   map[string]any{"events": sub.stats.Events, "task_id": sub.taskID, "files": files},
	})
	return files, nil
}

// endSession closes the current session. It runs on the loop.
func (c *capture) endSession() {
	if c.session == nil {
		return
	}
	c.session.Close()
	c.session = nil
	c.srv.metrics.SessionEnded()
}
