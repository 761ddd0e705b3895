// Package session owns one bridged call: the client WebSocket, the
// agent WebSocket, and the duplex relay pump between them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/voicebridge/pkg/audio"
	"github.com/vango-go/voicebridge/pkg/bridge/metrics"
	"github.com/vango-go/voicebridge/pkg/bridge/protocol"
	"github.com/vango-go/voicebridge/pkg/bridge/ultravox"
)

// ErrBadRequest marks sessions whose initial parameters are unusable.
var ErrBadRequest = errors.New("missing session parameters")

// CloseCodeBadRequest is the application close code sent when a
// session cannot start because its parameters are missing.
const CloseCodeBadRequest = 4000

// State is the session lifecycle. Transitions only move forward.
type State int32

const (
	StateAccepted State = iota
	StateUpstreamConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateUpstreamConnecting:
		return "upstream_connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpstreamDialer establishes the agent leg for a session.
// *ultravox.Client satisfies it.
type UpstreamDialer interface {
	Connect(ctx context.Context, systemPrompt string) (*websocket.Conn, error)
}

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Stats is a point-in-time snapshot of one session's counters.
type Stats struct {
	ID              string
	State           State
	BytesFromClient int64
	BytesToClient   int64
	Conversions     int64
	StartedAt       time.Time
}

type Options struct {
	ID      string
	Context string
	Client  *websocket.Conn
	Dialer  UpstreamDialer
	Config  Config
	Logger  *slog.Logger

	// OnClose runs exactly once, after both endpoints are closed.
	OnClose func(*Session)
}

// Session bridges one client call to one agent call. The two read
// loops each own their direction's smoother tail; the session itself
// holds only connections, counters, and lifecycle.
type Session struct {
	id            string
	contextPrompt string
	cfg           Config
	logger        *slog.Logger
	dialer        UpstreamDialer

	client *websocket.Conn

	upstreamMu sync.Mutex
	upstream   *websocket.Conn

	clientWriteMu   sync.Mutex
	upstreamWriteMu sync.Mutex

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	bytesFromClient atomic.Int64
	bytesToClient   atomic.Int64
	conversions     atomic.Int64
	startedAt       time.Time

	onClose func(*Session)
}

func New(opts Options) *Session {
	cfg := opts.Config
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:            opts.ID,
		contextPrompt: opts.Context,
		cfg:           cfg,
		logger:        logger,
		dialer:        opts.Dialer,
		client:        opts.Client,
		done:          make(chan struct{}),
		startedAt:     time.Now(),
		onClose:       opts.OnClose,
	}
}

func (s *Session) ID() string { return s.id }

// Context is the system-prompt seed received at session creation.
func (s *Session) Context() string { return s.contextPrompt }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done closes when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() Stats {
	return Stats{
		ID:              s.id,
		State:           s.State(),
		BytesFromClient: s.bytesFromClient.Load(),
		BytesToClient:   s.bytesToClient.Load(),
		Conversions:     s.conversions.Load(),
		StartedAt:       s.startedAt,
	}
}

// Start establishes the agent leg and begins pumping. When the
// parameters are unusable or the agent leg cannot be established, the
// client has already been sent an error payload and closed. A second
// call returns an error and leaves the session as it is.
func (s *Session) Start(ctx context.Context) error {
	if s.contextPrompt == "" || s.dialer == nil {
		s.failStart(protocol.EncodeError("invalid session parameters", ""), CloseCodeBadRequest, "bad request")
		return ErrBadRequest
	}
	if !s.advance(StateAccepted, StateUpstreamConnecting) {
		return errors.New("session already started")
	}

	conn, err := s.dialer.Connect(ctx, s.contextPrompt)
	if err != nil {
		switch {
		case errors.Is(err, ultravox.ErrConnect):
			metrics.UpstreamFailuresTotal.WithLabelValues("connect").Inc()
			s.failStart(protocol.EncodeError("Ultravox connection timeout", err.Error()), websocket.CloseInternalServerErr, "upstream connect failed")
		default:
			metrics.UpstreamFailuresTotal.WithLabelValues("setup").Inc()
			s.failStart(protocol.EncodeError("Failed to create Ultravox call", err.Error()), websocket.CloseInternalServerErr, "upstream setup failed")
		}
		return err
	}

	s.upstreamMu.Lock()
	s.upstream = conn
	s.upstreamMu.Unlock()

	if !s.advance(StateUpstreamConnecting, StateActive) {
		// Closed while dialing.
		_ = conn.Close()
		return errors.New("session closed during upstream connect")
	}

	if err := s.sendClient(websocket.TextMessage, protocol.EncodeConnected("Connected to voice bridge")); err != nil {
		return err
	}
	s.logger.Info("session active")

	go s.clientLoop()
	go s.upstreamLoop()
	go s.pingLoop()
	return nil
}

// clientLoop relays the client direction: PCMU audio is widened for
// the agent, text is forwarded verbatim. The direction's smoother
// tail lives here and nowhere else.
func (s *Session) clientLoop() {
	defer s.Close("client disconnected")

	var tail int16
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.bytesFromClient.Add(int64(len(data)))
			metrics.BytesFromClientTotal.Add(float64(len(data)))

			var wide []byte
			wide, tail = audio.PCMUToWideband(data, tail)
			s.conversions.Add(1)
			metrics.ConversionsTotal.Inc()

			if err := s.sendUpstream(websocket.BinaryMessage, wide); err != nil {
				return
			}
		case websocket.TextMessage:
			s.logger.Debug("client message", "payload", string(data))
			if err := s.sendUpstream(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// upstreamLoop relays the agent direction: PCM16 audio is narrowed to
// PCMU, text is decoded for logging and forwarded verbatim.
func (s *Session) upstreamLoop() {
	defer s.Close("upstream disconnected")

	s.upstreamMu.Lock()
	conn := s.upstream
	s.upstreamMu.Unlock()
	if conn == nil {
		return
	}

	var tail int16
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			pcmu, newTail, err := audio.WidebandToPCMU(data, tail)
			if err != nil {
				s.logger.Warn("dropping malformed agent frame", "err", err, "len", len(data))
				metrics.TransformErrorsTotal.Inc()
				continue
			}
			tail = newTail
			s.conversions.Add(1)
			metrics.ConversionsTotal.Inc()

			if audio.Uniform(pcmu) {
				metrics.SilentFramesDroppedTotal.Inc()
				continue
			}

			s.bytesToClient.Add(int64(len(pcmu)))
			metrics.BytesToClientTotal.Add(float64(len(pcmu)))
			if err := s.sendClient(websocket.BinaryMessage, pcmu); err != nil {
				return
			}
		case websocket.TextMessage:
			switch msg := protocol.DecodeAgentMessage(data).(type) {
			case protocol.Transcript:
				s.logger.Debug("transcript", "transcript", msg.Transcript)
			case protocol.Response:
				s.logger.Debug("response", "text", msg.Text)
			case protocol.PlaybackClearBuffer:
				s.logger.Debug("playback clear buffer")
			case protocol.ErrorMessage:
				s.logger.Warn("agent error", "error", msg.Error, "details", msg.Details)
			}
			if err := s.sendClient(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// pingLoop keeps the client socket alive; a failed ping means the
// client is gone.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close("client ping failed")
				return
			}
		}
	}
}

// sendClient writes one message to the client. Frames sent after the
// session started closing are dropped without error.
func (s *Session) sendClient(messageType int, data []byte) error {
	if s.State() >= StateClosing {
		return nil
	}

	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()

	_ = s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.client.WriteMessage(messageType, data); err != nil {
		s.Close("client write failed")
		return err
	}
	return nil
}

// sendUpstream writes one message to the agent, dropping frames when
// the agent leg is not open. Audio transport is lossy by design.
func (s *Session) sendUpstream(messageType int, data []byte) error {
	if s.State() != StateActive {
		return nil
	}
	s.upstreamMu.Lock()
	conn := s.upstream
	s.upstreamMu.Unlock()
	if conn == nil {
		return nil
	}

	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		s.Close("upstream write failed")
		return err
	}
	return nil
}

// Close tears down both endpoints. It is idempotent and safe from any
// goroutine; the first caller's reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.toClosing()
		stats := s.Stats()
		s.logger.Info("session closed",
			"reason", reason,
			"bytes_from_client", stats.BytesFromClient,
			"bytes_to_client", stats.BytesToClient,
			"conversions", stats.Conversions,
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
		)

		close(s.done)

		deadline := time.Now().Add(s.cfg.WriteTimeout)
		s.upstreamMu.Lock()
		upstream := s.upstream
		s.upstreamMu.Unlock()
		if upstream != nil {
			_ = upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = upstream.Close()
		}

		_ = s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.client.Close()

		s.state.Store(int32(StateClosed))
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// failStart reports a start failure to the client and shuts down.
func (s *Session) failStart(payload []byte, closeCode int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	s.clientWriteMu.Lock()
	_ = s.client.SetWriteDeadline(deadline)
	_ = s.client.WriteMessage(websocket.TextMessage, payload)
	_ = s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), deadline)
	s.clientWriteMu.Unlock()
	s.Close(reason)
}

// advance performs one forward lifecycle transition. Any other edge
// is rejected.
func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// toClosing moves to Closing from whatever earlier state the session
// is in, never backwards.
func (s *Session) toClosing() {
	for {
		cur := s.state.Load()
		if State(cur) >= StateClosing {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateClosing)) {
			return
		}
	}
}
