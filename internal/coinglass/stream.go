package coinglass

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrStreamClosed  = errors.New("stream client is closed")
	ErrNotConnected  = errors.New("stream session is not connected")
	ErrLoginRejected = errors.New("login rejected by upstream")
)

// StreamState is the connection lifecycle state of the stream client.
type StreamState int

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamOptions configures the stream client. Zero durations fall back to
// production defaults.
type StreamOptions struct {
	URL               string
	APIKey            string
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	LoginTimeout      time.Duration
	MaxBackoff        time.Duration
	MaxTimeoutStrikes int
}

func (o *StreamOptions) withDefaults() StreamOptions {
	opts := *o
	if opts.PingInterval == 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = 10 * time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.MaxTimeoutStrikes == 0 {
		opts.MaxTimeoutStrikes = 3
	}
	return opts
}

// Stream maintains the single upstream push session: login, heartbeat,
// subscriptions and reconnect with capped exponential backoff. Decoded
// events are handed to callbacks from the read loop; callbacks must not
// block.
type Stream struct {
	mu sync.RWMutex

	opts  StreamOptions
	log   zerolog.Logger
	state StreamState
	conn  *websocket.Conn

	// Channels we want subscribed; replayed after every reconnect.
	desired map[string]bool

	writeMu sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}

	onLiquidations func([]LiquidationEvent)
	onTrades       func(pair string, events []TradeEvent)
	onConnect      func()
	onDisconnect   func(error)
	onError        func(error)

	// Counters
	everConnected  bool
	reconnects     int
	framesReceived int64
	parseErrors    int64
	eventsDecoded  int64
	lastRead       time.Time
}

// NewStream creates a stream client. Start must be called to connect.
func NewStream(opts StreamOptions, logger zerolog.Logger) *Stream {
	return &Stream{
		opts:     opts.withDefaults(),
		log:      logger.With().Str("component", "stream").Logger(),
		state:    StateDisconnected,
		desired:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

// SetLiquidationCallback sets the handler for decoded liquidation batches.
func (s *Stream) SetLiquidationCallback(cb func([]LiquidationEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLiquidations = cb
}

// SetTradeCallback sets the handler for decoded trade batches.
func (s *Stream) SetTradeCallback(cb func(pair string, events []TradeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrades = cb
}

// SetConnectCallback sets the handler invoked after each successful login.
func (s *Stream) SetConnectCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

// SetDisconnectCallback sets the handler invoked when a session drops.
func (s *Stream) SetDisconnectCallback(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = cb
}

// SetErrorCallback sets the handler for non-fatal stream errors.
func (s *Stream) SetErrorCallback(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = cb
}

// Start launches the connect loop. Safe to call once; a closed client
// cannot be restarted.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	go s.run()
	return nil
}

// Close ends the session permanently.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.log.Info().Msg("stream closed")
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe adds channels to the desired set and, when connected, sends a
// subscribe frame. The desired set survives reconnects.
func (s *Stream) Subscribe(channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, ch := range channels {
		s.desired[ch] = true
	}
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.sendJSON(channelFrame{Method: "subscribe", Channels: channels})
}

// Unsubscribe removes channels from the desired set and, when connected,
// sends an unsubscribe frame.
func (s *Stream) Unsubscribe(channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, ch := range channels {
		delete(s.desired, ch)
	}
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.sendJSON(channelFrame{Method: "unsubscribe", Channels: channels})
}

// SubscribedChannels returns a copy of the desired channel set.
func (s *Stream) SubscribedChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.desired))
	for ch := range s.desired {
		out = append(out, ch)
	}
	return out
}

// GetStats returns stream statistics for the dashboard.
func (s *Stream) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"state":           s.state.String(),
		"reconnects":      s.reconnects,
		"frames_received": s.framesReceived,
		"parse_errors":    s.parseErrors,
		"events_decoded":  s.eventsDecoded,
		"subscriptions":   len(s.desired),
		"last_read":       s.lastRead.Format(time.RFC3339),
	}
}

// run is the connect loop: dial, login, pump frames, back off, repeat.
// Backoff doubles from 1 s per attempt, capped, and resets after a
// successful login.
func (s *Stream) run() {
	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if attempt > 0 {
			s.setState(StateReconnecting)
			delay := backoffDelay(attempt, s.opts.MaxBackoff)
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			select {
			case <-s.stopChan:
				return
			case <-time.After(delay):
			}
		}

		loginOK, err := s.runSession()
		if err != nil {
			s.reportError(err)
		}
		select {
		case <-s.stopChan:
			return
		default:
		}
		if loginOK {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// runSession performs one full session: dial, login handshake, heartbeat
// and read pump. Returns whether login succeeded, and the error that ended
// the session.
func (s *Stream) runSession() (bool, error) {
	s.setState(StateConnecting)
	s.log.Info().Str("url", s.opts.URL).Msg("connecting")

	conn, _, err := websocket.DefaultDialer.Dial(s.opts.URL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return false, fmt.Errorf("dialing stream: %w", err)
	}

	if err := s.login(conn); err != nil {
		conn.Close()
		s.setState(StateDisconnected)
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.lastRead = time.Now()
	if s.everConnected {
		s.reconnects++
	}
	s.everConnected = true
	onConnect := s.onConnect
	s.mu.Unlock()

	s.log.Info().Msg("stream connected")
	if onConnect != nil {
		onConnect()
	}

	if err := s.replaySubscriptions(); err != nil {
		s.log.Warn().Err(err).Msg("replaying subscriptions failed")
	}

	done := make(chan struct{})
	go s.pingLoop(conn, done)
	go s.watchdog(conn, done)

	readErr := s.readLoop(conn)
	close(done)
	conn.Close()

	s.mu.Lock()
	s.conn = nil
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	onDisconnect := s.onDisconnect
	s.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(readErr)
	}
	return true, readErr
}

// login sends the credential frame and waits for the acknowledgement.
func (s *Stream) login(conn *websocket.Conn) error {
	deadline := time.Now().Add(s.opts.LoginTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting login write deadline: %w", err)
	}
	if err := conn.WriteJSON(loginFrame{Event: "login", Params: loginParams{APIKey: s.opts.APIKey}}); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting login read deadline: %w", err)
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for login ack: %w", err)
		}
		frame, msgType, err := decodeFrame(raw)
		if err != nil {
			continue
		}
		if msgType != MessageLogin {
			continue
		}
		if frame.Code != 0 {
			return fmt.Errorf("%w: code=%v msg=%q", ErrLoginRejected, float64(frame.Code), frame.Msg)
		}
		break
	}

	// Clear deadlines; liveness is handled by the watchdog.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

func (s *Stream) replaySubscriptions() error {
	channels := s.SubscribedChannels()
	if len(channels) == 0 {
		return nil
	}
	s.log.Info().Int("channels", len(channels)).Msg("replaying subscriptions")
	return s.sendJSON(channelFrame{Method: "subscribe", Channels: channels})
}

// readLoop pumps frames until the connection dies.
func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info().Msg("connection closed by peer")
			} else {
				s.log.Warn().Err(err).Msg("read error")
			}
			return err
		}

		s.mu.Lock()
		s.framesReceived++
		s.lastRead = time.Now()
		s.mu.Unlock()

		s.handleFrame(raw)
	}
}

// handleFrame decodes one inbound frame and dispatches data events.
// Callbacks run on the read goroutine so events within a frame keep their
// order.
func (s *Stream) handleFrame(raw []byte) {
	frame, msgType, err := decodeFrame(raw)
	if err != nil {
		s.countParseError()
		s.log.Debug().Err(err).Msg("undecodable frame")
		return
	}

	switch msgType {
	case MessageLiquidation:
		events, err := ParseLiquidations(frame.Data)
		if err != nil {
			s.countParseError()
			s.log.Debug().Err(err).Msg("bad liquidation payload")
			return
		}
		s.addDecoded(len(events))
		s.mu.RLock()
		cb := s.onLiquidations
		s.mu.RUnlock()
		if cb != nil && len(events) > 0 {
			cb(events)
		}

	case MessageTrade:
		pair := PairFromTradeChannel(frame.Channel)
		events, err := ParseTrades(frame.Data)
		if err != nil {
			s.countParseError()
			s.log.Debug().Err(err).Msg("bad trade payload")
			return
		}
		s.addDecoded(len(events))
		s.mu.RLock()
		cb := s.onTrades
		s.mu.RUnlock()
		if cb != nil && len(events) > 0 {
			cb(pair, events)
		}

	case MessagePong:
		s.log.Debug().Msg("pong")

	case MessagePing, MessageLogin, MessageSubscribe, MessageUnsubscribe:
		// Control acknowledgements, nothing to do.

	default:
		s.log.Debug().Str("channel", frame.Channel).Str("event", frame.Event).Msg("unknown frame")
	}
}

// pingLoop sends an application-level ping on the heartbeat interval.
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.sendJSON(pingFrame{Event: "ping"}); err != nil {
				s.log.Warn().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		}
	}
}

// watchdog enforces the read deadline. Each silent read-timeout interval is
// one strike; enough consecutive strikes close the connection, which kicks
// the read loop into reconnect.
func (s *Stream) watchdog(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.ReadTimeout)
	defer ticker.Stop()

	strikes := 0
	for {
		select {
		case <-done:
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			silent := time.Since(s.lastRead) >= s.opts.ReadTimeout
			s.mu.RUnlock()

			if !silent {
				strikes = 0
				continue
			}
			strikes++
			s.log.Warn().Int("strikes", strikes).Msg("read deadline passed with no frames")
			if strikes >= s.opts.MaxTimeoutStrikes {
				s.log.Warn().Msg("read timeout strikes exhausted, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

// sendJSON writes one frame. Writes are serialized; the write deadline
// bounds a stuck peer.
func (s *Stream) sendJSON(v interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Stream) setState(state StreamState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Stream) reportError(err error) {
	s.mu.RLock()
	cb := s.onError
	s.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (s *Stream) countParseError() {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
}

func (s *Stream) addDecoded(n int) {
	s.mu.Lock()
	s.eventsDecoded += int64(n)
	s.mu.Unlock()
}

// backoffDelay doubles from 1 s per attempt and caps at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
