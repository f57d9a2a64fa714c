// Package session runs one websocket subscriber of a tenant's floor.
//
// A session moves CONNECTING -> ACTIVE -> CLOSED. On entering ACTIVE it
// subscribes to the broker first and then sends a snapshot, so events
// committed while the snapshot is read are queued rather than lost. Queued
// deltas that the snapshot already reflects are dropped by node version.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/twinengine/internal/broker"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a session
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Close reasons recorded in metrics
const (
	ReasonClientClosed   = "client_closed"
	ReasonReadError      = "read_error"
	ReasonWriteError     = "write_error"
	ReasonDropped        = "dropped"
	ReasonSnapshotFailed = "snapshot_failed"
	ReasonShutdown       = "shutdown"
)

// Registry is the subset of the broker a session needs
type Registry interface {
	Subscribe(tenantID string, sub broker.Subscriber)
	Unsubscribe(tenantID string, sub broker.Subscriber)
}

// FloorReader reads committed node state for snapshots
type FloorReader interface {
	ListNodes(ctx context.Context, tenantID string) ([]*model.FloorNode, error)
}

// Config holds per-session limits
type Config struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageSize  int64
	ControlRate     float64
	ControlBurst    int
	SnapshotTimeout time.Duration
}

// Session is a single subscriber connection
type Session struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	registry Registry
	floor    FloorReader
	cfg      Config
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *zap.Logger

	state   atomic.Int32
	events  chan model.ChangeEvent
	replies chan any
	done    chan struct{}

	closeOnce   sync.Once
	closeReason string

	// lastSent is owned by the writer: highest node version sent per node
	lastSent map[string]int64
}

// New creates a session in CONNECTING over an upgraded connection
func New(
	tenantID string,
	conn *websocket.Conn,
	registry Registry,
	floor FloorReader,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.ControlBurst <= 0 {
		cfg.ControlBurst = 1
	}

	id := uuid.New().String()
	return &Session{
		id:       id,
		tenantID: tenantID,
		conn:     conn,
		registry: registry,
		floor:    floor,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		metrics:  m,
		logger:   logger.With(zap.String("session_id", id), zap.String("tenant_id", tenantID)),
		events:   make(chan model.ChangeEvent, cfg.SendBuffer),
		replies:  make(chan any, 16),
		done:     make(chan struct{}),
		lastSent: make(map[string]int64),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Deliver enqueues an event without blocking
func (s *Session) Deliver(event model.ChangeEvent) error {
	select {
	case <-s.done:
		return broker.ErrSubscriberClosed
	default:
	}

	select {
	case s.events <- event:
		return nil
	default:
		return broker.ErrSlowConsumer
	}
}

// Close stops the session. It is called by the broker when it drops a slow
// subscriber and is safe to call more than once.
func (s *Session) Close() {
	s.closeWithReason(ReasonDropped)
}

func (s *Session) closeWithReason(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.done)
	})
}

// Run drives the session until the connection closes. The session is always
// unsubscribed and CLOSED when Run returns.
func (s *Session) Run(ctx context.Context) {
	s.metrics.SessionOpened()
	defer s.cleanup()

	s.registry.Subscribe(s.tenantID, s)
	s.state.Store(int32(StateActive))

	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("Failed to load floor snapshot", zap.Error(err))
		s.closeWithReason(ReasonSnapshotFailed)
		s.writeClose(websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	if err := s.write(snapshot); err != nil {
		s.closeWithReason(ReasonWriteError)
		return
	}
	s.recordSnapshot(snapshot)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	s.readLoop()
	s.closeWithReason(ReasonClientClosed)
	<-writerDone
}

func (s *Session) cleanup() {
	s.registry.Unsubscribe(s.tenantID, s)
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()

	s.metrics.SessionClosed(s.closeReason)
	s.logger.Debug("Session closed", zap.String("reason", s.closeReason))
}

func (s *Session) snapshot(ctx context.Context) (*InitialState, error) {
	if s.cfg.SnapshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SnapshotTimeout)
		defer cancel()
	}

	nodes, err := s.floor.ListNodes(ctx, s.tenantID)
	if err != nil {
		return nil, err
	}
	return NewInitialState(s.tenantID, nodes, time.Now().UTC()), nil
}

func (s *Session) readLoop() {
	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Unexpected websocket close", zap.Error(err))
				s.closeWithReason(ReasonReadError)
			}
			return
		}
		s.extendReadDeadline()

		if !s.limiter.Allow() {
			s.reply(&ErrorMessage{Type: TypeError, Message: "rate limit exceeded"})
			continue
		}
		s.handleMessage(data)
	}
}

// snapshotRequest asks the writer to read and send a fresh snapshot. The
// writer reads it so that no delta it already sent is newer than the snapshot.
type snapshotRequest struct{}

func (s *Session) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply(&ErrorMessage{Type: TypeError, Message: "malformed message"})
		return
	}

	switch msg.Type {
	case TypePing:
		s.reply(&PongMessage{Type: TypePong, Timestamp: time.Now().UTC()})
	case TypeRequestStatus:
		s.reply(snapshotRequest{})
	default:
		s.reply(&ErrorMessage{Type: TypeError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// reply queues a message for the writer
func (s *Session) reply(msg any) {
	select {
	case s.replies <- msg:
	case <-s.done:
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(s.cfg.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-s.events:
			if !s.shouldForward(event) {
				continue
			}
			if err := s.write(deltaMessage(event)); err != nil {
				s.closeWithReason(ReasonWriteError)
				_ = s.conn.Close()
				return
			}
		case msg := <-s.replies:
			if _, ok := msg.(snapshotRequest); ok {
				msg = s.resync(ctx)
			}
			if err := s.write(msg); err != nil {
				s.closeWithReason(ReasonWriteError)
				_ = s.conn.Close()
				return
			}
			if snapshot, ok := msg.(*InitialState); ok {
				s.recordSnapshot(snapshot)
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.deadline()); err != nil {
				s.closeWithReason(ReasonWriteError)
				_ = s.conn.Close()
				return
			}
		case <-ctx.Done():
			s.closeWithReason(ReasonShutdown)
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			_ = s.conn.Close()
			return
		case <-s.done:
			s.writeClose(websocket.CloseNormalClosure, "")
			// Unblock the reader
			_ = s.conn.Close()
			return
		}
	}
}

// resync reads a snapshot for request_status, or an error message if the
// floor cannot be read
func (s *Session) resync(ctx context.Context) any {
	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("Failed to load floor snapshot", zap.Error(err))
		return &ErrorMessage{Type: TypeError, Message: "snapshot unavailable"}
	}
	return snapshot
}

// shouldForward drops deltas already reflected in what the client has seen.
// A wait_time_alert shares the version of the status change before it.
// Snapshots carry no work items, so work_item_update is always forwarded.
func (s *Session) shouldForward(event model.ChangeEvent) bool {
	last, seen := s.lastSent[event.NodeID]
	switch event.Kind {
	case model.EventWorkItemUpdate:
		return true
	case model.EventWaitTimeAlert:
		return !seen || event.NodeVersion >= last
	}
	if seen && event.NodeVersion <= last {
		return false
	}
	s.lastSent[event.NodeID] = event.NodeVersion
	return true
}

func (s *Session) recordSnapshot(snapshot *InitialState) {
	for _, n := range snapshot.Nodes {
		s.lastSent[n.ID] = n.Version
	}
}

func (s *Session) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.conn.SetWriteDeadline(s.deadline()); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("Failed to write message", zap.Error(err))
		}
		return err
	}
	return nil
}

func (s *Session) writeClose(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), s.deadline())
}

func (s *Session) deadline() time.Time {
	if s.cfg.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.WriteTimeout)
}

func (s *Session) extendReadDeadline() {
	if s.cfg.PongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
}
