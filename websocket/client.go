package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
	websocketMaxRetries = 3
	// Control frames carry at most 125 bytes, two of them for the close code.
	maxCloseText = 123
)

// ClientSession is one edge connection. It implements registry.Conn.
type ClientSession struct {
	id      string
	conn    *websocket.Conn
	session *session.Session
	record  *session.Record
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *config.WebSocketConfig
	log     *zap.Logger

	lastActivity  atomic.Int64
	writeMu       sync.Mutex
	timerMu       sync.Mutex
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	closeOnce     sync.Once
}

// NewClientSession wraps an upgraded connection.
func NewClientSession(id string, conn *websocket.Conn, cfg *config.WebSocketConfig, log *zap.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		id:      id,
		conn:    conn,
		session: session.New(id),
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		log:     log.With(zap.String("conn_id", id)),
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

func (s *ClientSession) ID() string { return s.id }

func (s *ClientSession) Session() *session.Session { return s.session }

// Context is cancelled when the connection closes.
func (s *ClientSession) Context() context.Context { return s.ctx }

// Send writes one frame as JSON.
func (s *ClientSession) Send(ctx context.Context, frame any) error {
	if err := s.SafeWriteJSON(ctx, frame); err != nil {
		return err
	}
	metrics.FramesSent.Inc()
	return nil
}

// SafeWriteJSON writes data to the websocket with retry capability
func (s *ClientSession) SafeWriteJSON(ctx context.Context, data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	operation := func() error {
		if err := s.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return backoff.Permanent(err)
		}
		return s.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), websocketMaxRetries),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.log.Warn("Retrying WebSocket write", zap.Error(err), zap.Duration("next_attempt", d))
	})
}

// UpdateActivity updates the last activity timestamp and resets the timeout timer
// This should only be called for actual client messages, not pong responses
func (s *ClientSession) UpdateActivity() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.lastActivity.Store(time.Now().Unix())
	if s.activityTimer != nil {
		s.activityTimer.Reset(time.Duration(s.cfg.ActivityTimeout) * time.Second)
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)
	s.pingTicker = time.NewTicker(
		time.Duration(s.cfg.PingInterval) * time.Second,
	)
	go s.pingLoop(s.pingTicker)
}

func (s *ClientSession) pingLoop(ticker *time.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				s.log.Warn("Failed to send ping", zap.Error(err))
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ClientSession) onActivityTimeout() {
	s.log.Info("Connection timed out")
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) SendPing() error {
	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// UpdateLastSeen updates only the timestamp (for pong responses)
// Does NOT reset the activity timer
func (s *ClientSession) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// GetPongHandler returns a pong handler function based on configuration
func (s *ClientSession) GetPongHandler() func(string) error {
	return func(string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity()
		} else {
			s.UpdateLastSeen()
		}
		return nil
	}
}

// Close sends a close frame and closes the connection. Only the first call
// has an effect; the read loop then fails and cleans up.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.timerMu.Lock()
		if s.pingTicker != nil {
			s.pingTicker.Stop()
		}
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}
		s.timerMu.Unlock()

		s.cancel()

		text = truncateUTF8(text, maxCloseText)
		writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
		if werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeTimeout),
		); werr != nil {
			s.log.Debug("Error sending close message", zap.Error(werr))
		}
		err = s.conn.Close()
	})
	return err
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
