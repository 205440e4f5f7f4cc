package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"termgate/internal/protocol"
	"termgate/internal/term"
	"termgate/internal/transport"

	"github.com/rs/zerolog"
)

// Conn is the transport contract the Manager drives. *transport.Channel
// satisfies it; tests substitute a fake.
type Conn interface {
	On(msgType string, h transport.Handler)
	OnDisconnect(fn transport.DisconnectFunc)
	Start()
	Emit(msgType string, payload interface{}) error
	Close(reason string)
}

// TransferSink receives the SFTP sub-protocol messages. The transfer engine
// implements it.
type TransferSink interface {
	HandleDownloadChunk(p protocol.TransferChunkPayload)
	HandleProgress(p protocol.TransferProgressPayload)
	HandleTransferError(p protocol.TransferErrorPayload)
	HandleListing(p protocol.ListingPayload)
	HandleResult(p protocol.ResultPayload)
}

// Config is the connection configuration for a Manager.
type Config struct {
	GatewayURL string
	Cols       int
	Rows       int
	Term       string
}

// Manager owns the authentication/connection state machine. It translates
// transport events into session state and exposes data, resize, and control
// emission. At most one channel is open at a time; the Manager never
// reconnects on its own.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	sink     term.Sink
	recorder term.Recorder

	stored   Credentials
	fromURL  Credentials
	fromForm Credentials

	conn Conn
	dial func(ctx context.Context, url string) (Conn, error)

	sess      *Session
	challenge *Challenge
	lastError string

	statusListeners []func(Status)
	onChallenge     func(Challenge)
	onAuthRequired  func()
	onDisconnect    func(reason string)
	promptSink      func(p protocol.PromptPayload)
	transferSink    TransferSink
}

// New creates a Manager. The sink receives every inbound data event verbatim.
func New(cfg Config, sink term.Sink, logger zerolog.Logger) *Manager {
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	m := &Manager{
		cfg:  cfg,
		log:  logger,
		sink: sink,
		sess: newSession(cfg.Cols, cfg.Rows),
	}
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		return transport.Dial(ctx, url, logger)
	}
	return m
}

// SetRecorder attaches an optional session-recording sink.
func (m *Manager) SetRecorder(r term.Recorder) {
	m.mu.Lock()
	m.recorder = r
	m.mu.Unlock()
}

// SetStoredCredentials sets the persisted credential source.
func (m *Manager) SetStoredCredentials(c Credentials) {
	m.mu.Lock()
	m.stored = c
	m.mu.Unlock()
}

// SetURLCredentials sets the URL-supplied credential source.
func (m *Manager) SetURLCredentials(c Credentials) {
	m.mu.Lock()
	m.fromURL = c
	m.mu.Unlock()
}

// SetFormCredentials sets the form-supplied credential source.
func (m *Manager) SetFormCredentials(c Credentials) {
	m.mu.Lock()
	m.fromForm = c
	m.mu.Unlock()
}

// OnStatusChange registers a listener notified synchronously on every
// status transition.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	m.statusListeners = append(m.statusListeners, fn)
	m.mu.Unlock()
}

// OnChallenge registers the callback invoked when the server requests
// keyboard-interactive input.
func (m *Manager) OnChallenge(fn func(Challenge)) {
	m.mu.Lock()
	m.onChallenge = fn
	m.mu.Unlock()
}

// OnAuthRequired registers the callback invoked when no usable credentials
// can be resolved.
func (m *Manager) OnAuthRequired(fn func()) {
	m.mu.Lock()
	m.onAuthRequired = fn
	m.mu.Unlock()
}

// OnDisconnect registers the callback invoked with a reason code whenever
// the channel goes down.
func (m *Manager) OnDisconnect(fn func(reason string)) {
	m.mu.Lock()
	m.onDisconnect = fn
	m.mu.Unlock()
}

// SetPromptSink routes server-pushed prompts, normally to the governor.
func (m *Manager) SetPromptSink(fn func(p protocol.PromptPayload)) {
	m.mu.Lock()
	m.promptSink = fn
	m.mu.Unlock()
}

// SetTransferSink routes SFTP sub-protocol messages to the transfer engine.
func (m *Manager) SetTransferSink(s TransferSink) {
	m.mu.Lock()
	m.transferSink = s
	m.mu.Unlock()
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// Session returns a snapshot of the session state.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sess
}

// LastError returns the most recent authentication failure message.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Connect opens a new channel to the gateway, closing any existing one
// first. The session is re-created for the new channel.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	old := m.conn
	m.conn = nil
	m.sess = newSession(m.cfg.Cols, m.cfg.Rows)
	m.challenge = nil
	m.lastError = ""
	url := m.cfg.GatewayURL
	m.mu.Unlock()

	if old != nil {
		old.Close(transport.ReasonClientClose)
	}

	conn, err := m.dial(ctx, url)
	if err != nil {
		m.setStatus(StatusDisconnected)
		return fmt.Errorf("connect: %w", err)
	}

	m.bind(conn)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.setStatus(StatusConnecting)
	conn.Start()
	return nil
}

// bind wires the inbound message handlers for a channel.
func (m *Manager) bind(conn Conn) {
	conn.On(protocol.TypeAuthentication, m.handleAuthentication)
	conn.On(protocol.TypePermissions, m.handlePermissions)
	conn.On(protocol.TypeData, m.handleData)
	conn.On(protocol.TypePrompt, m.handlePrompt)
	conn.On(protocol.TypeSFTPDownloadChunk, m.handleSFTPChunk)
	conn.On(protocol.TypeSFTPProgress, m.handleSFTPProgress)
	conn.On(protocol.TypeSFTPError, m.handleSFTPError)
	conn.On(protocol.TypeSFTPListing, m.handleSFTPListing)
	conn.On(protocol.TypeSFTPResult, m.handleSFTPResult)

	conn.OnDisconnect(func(reason string, err error) {
		m.handleDisconnect(conn, reason, err)
	})
}

// CloseTransport tears the active channel down. Used for user-initiated
// disconnects and by the prompt governor's circuit breaker.
func (m *Manager) CloseTransport(reason string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close(reason)
	}
}

// Emit sends a message on the active channel. Collaborators (transfer
// engine, prompt governor) use the Manager as their emitter.
func (m *Manager) Emit(msgType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Emit(msgType, payload)
}

// SendData sends terminal input to the gateway.
func (m *Manager) SendData(text string) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.sess.Status == StatusConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	return conn.Emit(protocol.TypeData, text)
}

// Resize emits a resize message. Calls while not connected are silently
// ignored, not queued.
func (m *Manager) Resize(cols, rows int) {
	m.mu.Lock()
	if m.sess.Status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.sess.Dims = term.Dimensions{Cols: cols, Rows: rows}
	conn := m.conn
	m.mu.Unlock()

	conn.Emit(protocol.TypeResize, protocol.ResizePayload{Cols: cols, Rows: rows})
}

// Reauth requests a fresh authentication round. Permitted only when the
// server granted allowReauth; no emission happens otherwise.
func (m *Manager) Reauth() error {
	return m.control(protocol.ControlReauth, func(s *Session) bool { return s.AllowReauth })
}

// ReplayCredentials asks the gateway to replay the stored credentials.
// Permitted only when the server granted allowReplay.
func (m *Manager) ReplayCredentials() error {
	return m.control(protocol.ControlReplayCredentials, func(s *Session) bool { return s.AllowReplay })
}

func (m *Manager) control(command string, permitted func(*Session) bool) error {
	m.mu.Lock()
	if !permitted(m.sess) {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", command, ErrNotPermitted)
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Emit(protocol.TypeControl, protocol.ControlPayload{Command: command})
}

// SubmitChallengeResponse answers the outstanding keyboard-interactive
// round, in the exact order the prompts were issued.
func (m *Manager) SubmitChallengeResponse(responses []string) error {
	m.mu.Lock()
	if m.challenge == nil {
		m.mu.Unlock()
		return ErrNoChallenge
	}
	if len(responses) != len(m.challenge.Prompts) {
		n := len(m.challenge.Prompts)
		m.mu.Unlock()
		return fmt.Errorf("challenge expects %d responses, got %d", n, len(responses))
	}
	m.challenge = nil
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	err := conn.Emit(protocol.TypeAuthentication, protocol.ChallengeResponsePayload{
		Action:    protocol.ActionChallengeResponse,
		Responses: responses,
	})
	if err != nil {
		return err
	}
	m.setStatus(StatusAuthenticating)
	return nil
}

// CanAutoConnect reports whether the merged, policy-filtered credentials are
// sufficient to attempt authentication without asking the user. Filtering
// that strips every usable secret suppresses auto-connect.
func (m *Manager) CanAutoConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds := m.mergedLocked()
	return creds.Host != "" && creds.Username != "" &&
		(creds.Password != "" || creds.PrivateKey != "")
}

// mergedLocked builds the merged credential view: form over URL over stored,
// with secrets dropped when the server policy disallows their method.
func (m *Manager) mergedLocked() Credentials {
	merged := m.stored
	overlay(&merged, m.fromURL)
	overlay(&merged, m.fromForm)

	if !m.sess.methodAllowed(MethodPassword) {
		merged.Password = ""
	}
	if !m.sess.methodAllowed(MethodPrivateKey) {
		merged.PrivateKey = ""
		merged.Passphrase = ""
	}
	return merged
}

func overlay(dst *Credentials, src Credentials) {
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.PrivateKey != "" {
		dst.PrivateKey = src.PrivateKey
	}
	if src.Passphrase != "" {
		dst.Passphrase = src.Passphrase
	}
	if src.Term != "" {
		dst.Term = src.Term
	}
}

// Authenticate re-attempts authentication with the current credential
// sources, for use after the auth-required callback collected new values.
func (m *Manager) Authenticate() {
	m.authenticate()
}

// authenticate sends the merged credentials. It fails closed: with neither
// host nor username resolvable, the auth-required callback fires and nothing
// is emitted.
func (m *Manager) authenticate() {
	m.mu.Lock()
	creds := m.mergedLocked()

	if creds.PrivateKey != "" {
		if err := validatePrivateKey(creds.PrivateKey, creds.Passphrase); err != nil {
			m.log.Warn().Err(err).Msg("dropping unusable private key")
			creds.PrivateKey = ""
			creds.Passphrase = ""
		}
	}

	if creds.Host == "" || creds.Username == "" {
		cb := m.onAuthRequired
		m.mu.Unlock()
		m.log.Warn().Msg("authentication requested but no usable credentials")
		if cb != nil {
			cb()
		}
		return
	}

	if creds.PrivateKey != "" {
		m.sess.AuthMethod = MethodPrivateKey
	} else {
		m.sess.AuthMethod = MethodPassword
	}

	termName := creds.Term
	if termName == "" {
		termName = m.cfg.Term
	}
	payload := protocol.AuthenticatePayload{
		Host:       creds.Host,
		Port:       creds.Port,
		Username:   creds.Username,
		Password:   creds.Password,
		PrivateKey: creds.PrivateKey,
		Passphrase: creds.Passphrase,
		Cols:       m.sess.Dims.Cols,
		Rows:       m.sess.Dims.Rows,
		Term:       termName,
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Emit(protocol.TypeAuthenticate, payload); err != nil {
		m.log.Error().Err(err).Msg("emit authenticate")
		return
	}
	m.setStatus(StatusAuthenticating)
}

// Inbound handlers. All run on the channel's read goroutine, in arrival
// order.

func (m *Manager) handleAuthentication(raw json.RawMessage) {
	var p protocol.AuthenticationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad authentication payload")
		return
	}

	switch p.Action {
	case protocol.ActionRequestAuth:
		if len(p.Methods) > 0 {
			allowed := make(map[string]bool, len(p.Methods))
			for _, method := range p.Methods {
				allowed[method] = true
			}
			m.mu.Lock()
			m.sess.allowedMethods = allowed
			m.mu.Unlock()
		}
		m.authenticate()

	case protocol.ActionKeyboardInteractive:
		ch := Challenge{Name: p.Name, Prompts: p.Prompts}
		m.mu.Lock()
		if m.challenge != nil {
			m.log.Warn().Msg("new auth challenge before previous resolved, replacing")
		}
		m.challenge = &ch
		cb := m.onChallenge
		m.mu.Unlock()

		m.setStatus(StatusAwaitingChallenge)
		if cb != nil {
			cb(ch)
		}

	case protocol.ActionAuthResult:
		if p.Success != nil && *p.Success {
			m.setStatus(StatusConnected)
			return
		}
		m.mu.Lock()
		m.lastError = p.Message
		m.mu.Unlock()
		m.log.Warn().Str("message", p.Message).Msg("authentication failed")
		m.setStatus(StatusFailed)

	case protocol.ActionReauth:
		// Server-driven reauthentication round.
		m.authenticate()

	case protocol.ActionDimensions:
		m.mu.Lock()
		m.sess.Dims = term.Dimensions{Cols: p.Cols, Rows: p.Rows}
		sink := m.sink
		m.mu.Unlock()
		if sink != nil {
			sink.Resize(p.Cols, p.Rows)
		}
	}
}

func (m *Manager) handlePermissions(raw json.RawMessage) {
	var p protocol.PermissionsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad permissions payload")
		return
	}

	// Merge key-by-key; absent keys leave current grants alone.
	m.mu.Lock()
	if p.AllowReauth != nil {
		m.sess.AllowReauth = *p.AllowReauth
	}
	if p.AllowReconnect != nil {
		m.sess.AllowReconnect = *p.AllowReconnect
	}
	if p.AllowReplay != nil {
		m.sess.AllowReplay = *p.AllowReplay
	}
	m.mu.Unlock()
}

// handleData forwards terminal bytes verbatim to the sink and the optional
// recorder. The payload is never inspected or mutated here.
func (m *Manager) handleData(raw json.RawMessage) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		m.log.Warn().Err(err).Msg("bad data payload")
		return
	}

	m.mu.Lock()
	sink := m.sink
	rec := m.recorder
	m.mu.Unlock()

	if sink != nil {
		sink.Write(text)
	}
	if rec != nil {
		rec.Record(text)
	}
}

func (m *Manager) handlePrompt(raw json.RawMessage) {
	var p protocol.PromptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad prompt payload")
		return
	}

	m.mu.Lock()
	sink := m.promptSink
	m.mu.Unlock()
	if sink != nil {
		sink(p)
	}
}

func (m *Manager) handleSFTPChunk(raw json.RawMessage) {
	var p protocol.TransferChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad transfer chunk payload")
		return
	}
	if s := m.transfers(); s != nil {
		s.HandleDownloadChunk(p)
	}
}

func (m *Manager) handleSFTPProgress(raw json.RawMessage) {
	var p protocol.TransferProgressPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad transfer progress payload")
		return
	}
	if s := m.transfers(); s != nil {
		s.HandleProgress(p)
	}
}

func (m *Manager) handleSFTPError(raw json.RawMessage) {
	var p protocol.TransferErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad transfer error payload")
		return
	}
	if s := m.transfers(); s != nil {
		s.HandleTransferError(p)
	}
}

func (m *Manager) handleSFTPListing(raw json.RawMessage) {
	var p protocol.ListingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad listing payload")
		return
	}
	if s := m.transfers(); s != nil {
		s.HandleListing(p)
	}
}

func (m *Manager) handleSFTPResult(raw json.RawMessage) {
	var p protocol.ResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("bad result payload")
		return
	}
	if s := m.transfers(); s != nil {
		s.HandleResult(p)
	}
}

func (m *Manager) transfers() TransferSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferSink
}

// handleDisconnect reacts to channel teardown. Stale callbacks from a
// superseded channel are ignored.
func (m *Manager) handleDisconnect(conn Conn, reason string, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.challenge = nil
	cb := m.onDisconnect
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Str("reason", reason).Msg("disconnected")
	} else {
		m.log.Info().Str("reason", reason).Msg("disconnected")
	}

	m.setStatus(StatusDisconnected)
	if cb != nil {
		cb(reason)
	}
}

// setStatus updates session state and notifies listeners synchronously with
// the triggering event.
func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.sess.Status == s {
		m.mu.Unlock()
		return
	}
	m.sess.Status = s
	listeners := make([]func(Status), len(m.statusListeners))
	copy(listeners, m.statusListeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
