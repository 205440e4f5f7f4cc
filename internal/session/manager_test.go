package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"termgate/internal/protocol"
	"termgate/internal/transport"

	"github.com/rs/zerolog"
)

// fakeConn satisfies Conn and lets tests inject server messages.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	onDisc   transport.DisconnectFunc
	emitted  []struct {
		msgType string
		payload interface{}
	}
	closed      bool
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]transport.Handler)}
}

func (f *fakeConn) On(msgType string, h transport.Handler) {
	f.mu.Lock()
	f.handlers[msgType] = h
	f.mu.Unlock()
}

func (f *fakeConn) OnDisconnect(fn transport.DisconnectFunc) {
	f.mu.Lock()
	f.onDisc = fn
	f.mu.Unlock()
}

func (f *fakeConn) Start() {}

func (f *fakeConn) Emit(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, struct {
		msgType string
		payload interface{}
	}{msgType, payload})
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	f.closed = true
	f.closeReason = reason
	f.mu.Unlock()
	if f.onDisc != nil {
		f.onDisc(reason, nil)
	}
}

// inject delivers a server message to the registered handler, marshalled the
// way the channel would deliver it.
func (f *fakeConn) inject(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[msgType]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %s", msgType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal inject payload: %v", err)
	}
	h(raw)
}

func (f *fakeConn) emittedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.emitted {
		out = append(out, e.msgType)
	}
	return out
}

func (f *fakeConn) lastEmitted(msgType string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].msgType == msgType {
			return f.emitted[i].payload, true
		}
	}
	return nil, false
}

// captureSink records writes for assertions.
type captureSink struct {
	mu     sync.Mutex
	writes []string
	cols   int
	rows   int
	resets int
}

func (c *captureSink) Write(data string) {
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
}

func (c *captureSink) Reset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *captureSink) Focus()               {}
func (c *captureSink) GetSelection() string { return "" }

func (c *captureSink) Resize(cols, rows int) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeConn, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	m := New(Config{GatewayURL: "ws://gw/term", Cols: 80, Rows: 24}, sink, zerolog.Nop())

	fc := newFakeConn()
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		return fc, nil
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return m, fc, sink
}

func boolPtr(b bool) *bool { return &b }

func TestManager_ConnectSetsConnecting(t *testing.T) {
	m, _, _ := newTestManager(t)
	if m.Status() != StatusConnecting {
		t.Errorf("expected connecting, got %s", m.Status())
	}
}

func TestManager_DialFailureLeavesDisconnected(t *testing.T) {
	m := New(Config{GatewayURL: "ws://gw/term"}, &captureSink{}, zerolog.Nop())
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		return nil, errors.New("refused")
	}
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", m.Status())
	}
}

func TestManager_PasswordAuthFlow(t *testing.T) {
	m, fc, _ := newTestManager(t)
	m.SetStoredCredentials(Credentials{Host: "srv", Port: 22, Username: "alice", Password: "pw"})

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action: protocol.ActionRequestAuth,
	})

	if m.Status() != StatusAuthenticating {
		t.Fatalf("expected authenticating, got %s", m.Status())
	}
	payload, ok := fc.lastEmitted(protocol.TypeAuthenticate)
	if !ok {
		t.Fatal("no authenticate emitted")
	}
	auth := payload.(protocol.AuthenticatePayload)
	if auth.Host != "srv" || auth.Username != "alice" || auth.Password != "pw" {
		t.Errorf("unexpected credentials in payload: %+v", auth)
	}
	if auth.Cols != 80 || auth.Rows != 24 {
		t.Errorf("dimensions not carried: %dx%d", auth.Cols, auth.Rows)
	}

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionAuthResult,
		Success: boolPtr(true),
	})
	if m.Status() != StatusConnected {
		t.Errorf("expected connected, got %s", m.Status())
	}
}

func TestManager_KeyboardInteractiveRounds(t *testing.T) {
	m, fc, _ := newTestManager(t)
	m.SetStoredCredentials(Credentials{Host: "srv", Username: "alice", Password: "pw"})

	var transitions []Status
	m.OnStatusChange(func(s Status) { transitions = append(transitions, s) })

	var challenges []Challenge
	m.OnChallenge(func(c Challenge) { challenges = append(challenges, c) })

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action: protocol.ActionRequestAuth,
	})

	// Three verification rounds before the server is satisfied.
	answers := [][]string{{"otp-1"}, {"otp-2", "color"}, {"otp-3"}}
	for i, a := range answers {
		prompts := make([]protocol.AuthPrompt, len(a))
		for j := range a {
			prompts[j] = protocol.AuthPrompt{Prompt: "q", Echo: false}
		}
		fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
			Action:  protocol.ActionKeyboardInteractive,
			Name:    "verification",
			Prompts: prompts,
		})
		if m.Status() != StatusAwaitingChallenge {
			t.Fatalf("round %d: expected awaiting challenge, got %s", i, m.Status())
		}
		if err := m.SubmitChallengeResponse(a); err != nil {
			t.Fatalf("round %d: submit failed: %v", i, err)
		}
		if m.Status() != StatusAuthenticating {
			t.Fatalf("round %d: expected authenticating after submit, got %s", i, m.Status())
		}
	}

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionAuthResult,
		Success: boolPtr(true),
	})

	if m.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", m.Status())
	}
	if len(challenges) != 3 {
		t.Errorf("expected 3 challenge callbacks, got %d", len(challenges))
	}

	awaiting := 0
	for _, s := range transitions {
		if s == StatusAwaitingChallenge {
			awaiting++
		}
	}
	if awaiting != 3 {
		t.Errorf("expected 3 awaiting-challenge transitions, got %d", awaiting)
	}
	if len(challenges) > 1 && len(challenges[1].Prompts) != 2 {
		t.Errorf("second round should carry 2 prompts, got %d", len(challenges[1].Prompts))
	}

	// Each submitted response keeps prompt order.
	resp, ok := fc.lastEmitted(protocol.TypeAuthentication)
	if !ok {
		t.Fatal("no challenge response emitted")
	}
	cr := resp.(protocol.ChallengeResponsePayload)
	if cr.Action != protocol.ActionChallengeResponse {
		t.Errorf("wrong action %q", cr.Action)
	}
	if len(cr.Responses) != 1 || cr.Responses[0] != "otp-3" {
		t.Errorf("wrong final responses %v", cr.Responses)
	}
}

func TestManager_ChallengeResponseCountMismatch(t *testing.T) {
	m, fc, _ := newTestManager(t)

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionKeyboardInteractive,
		Prompts: []protocol.AuthPrompt{{Prompt: "a"}, {Prompt: "b"}},
	})

	if err := m.SubmitChallengeResponse([]string{"only-one"}); err == nil {
		t.Fatal("expected count mismatch error")
	}

	// The challenge is still outstanding after a rejected submit.
	if err := m.SubmitChallengeResponse([]string{"one", "two"}); err != nil {
		t.Fatalf("correct count rejected: %v", err)
	}
}

func TestManager_SubmitWithoutChallenge(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.SubmitChallengeResponse([]string{"x"}); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("expected ErrNoChallenge, got %v", err)
	}
}

func TestManager_AuthFailureRecordsMessage(t *testing.T) {
	m, fc, _ := newTestManager(t)

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionAuthResult,
		Success: boolPtr(false),
		Message: "permission denied",
	})

	if m.Status() != StatusFailed {
		t.Errorf("expected failed, got %s", m.Status())
	}
	if m.LastError() != "permission denied" {
		t.Errorf("unexpected last error %q", m.LastError())
	}
}

func TestManager_FailClosedWithoutCredentials(t *testing.T) {
	m, fc, _ := newTestManager(t)

	required := false
	m.OnAuthRequired(func() { required = true })

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action: protocol.ActionRequestAuth,
	})

	if !required {
		t.Error("auth-required callback not invoked")
	}
	if _, ok := fc.lastEmitted(protocol.TypeAuthenticate); ok {
		t.Error("authenticate emitted without usable credentials")
	}
	if m.Status() == StatusAuthenticating {
		t.Error("status advanced without an authentication attempt")
	}
}

func TestManager_CredentialPrecedence(t *testing.T) {
	m, fc, _ := newTestManager(t)
	m.SetStoredCredentials(Credentials{Host: "stored", Username: "stored-user", Password: "stored-pw"})
	m.SetURLCredentials(Credentials{Host: "url-host", Username: "url-user"})
	m.SetFormCredentials(Credentials{Username: "form-user"})

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action: protocol.ActionRequestAuth,
	})

	payload, ok := fc.lastEmitted(protocol.TypeAuthenticate)
	if !ok {
		t.Fatal("no authenticate emitted")
	}
	auth := payload.(protocol.AuthenticatePayload)
	if auth.Host != "url-host" {
		t.Errorf("URL host should override stored, got %q", auth.Host)
	}
	if auth.Username != "form-user" {
		t.Errorf("form username should win, got %q", auth.Username)
	}
	if auth.Password != "stored-pw" {
		t.Errorf("stored password should survive, got %q", auth.Password)
	}
}

func TestManager_ServerPolicyFiltersPassword(t *testing.T) {
	m, fc, _ := newTestManager(t)
	m.SetStoredCredentials(Credentials{Host: "srv", Username: "alice", Password: "pw"})

	required := false
	m.OnAuthRequired(func() { required = true })

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionRequestAuth,
		Methods: []string{MethodPrivateKey},
	})

	// Password was the only secret and the policy strips it; the attempt
	// still goes out with host and username so the server can fall back to
	// keyboard-interactive.
	payload, ok := fc.lastEmitted(protocol.TypeAuthenticate)
	if !ok {
		t.Fatal("no authenticate emitted")
	}
	auth := payload.(protocol.AuthenticatePayload)
	if auth.Password != "" {
		t.Error("password not stripped by server policy")
	}
	if required {
		t.Error("auth-required fired despite resolvable host and username")
	}

	if m.CanAutoConnect() {
		t.Error("auto-connect allowed with every secret filtered out")
	}
}

func TestManager_CanAutoConnect(t *testing.T) {
	m, _, _ := newTestManager(t)

	if m.CanAutoConnect() {
		t.Error("auto-connect with no credentials")
	}
	m.SetStoredCredentials(Credentials{Host: "srv", Username: "alice"})
	if m.CanAutoConnect() {
		t.Error("auto-connect without a secret")
	}
	m.SetStoredCredentials(Credentials{Host: "srv", Username: "alice", Password: "pw"})
	if !m.CanAutoConnect() {
		t.Error("auto-connect denied with full credentials")
	}
}

func TestManager_ReauthRequiresGrant(t *testing.T) {
	m, fc, _ := newTestManager(t)

	if err := m.Reauth(); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
	if _, ok := fc.lastEmitted(protocol.TypeControl); ok {
		t.Fatal("control emitted despite missing grant")
	}

	fc.inject(t, protocol.TypePermissions, protocol.PermissionsPayload{
		AllowReauth: boolPtr(true),
	})
	if err := m.Reauth(); err != nil {
		t.Fatalf("Reauth failed after grant: %v", err)
	}
	payload, _ := fc.lastEmitted(protocol.TypeControl)
	if payload.(protocol.ControlPayload).Command != protocol.ControlReauth {
		t.Error("wrong control command")
	}
}

func TestManager_PermissionsMergeKeyByKey(t *testing.T) {
	m, fc, _ := newTestManager(t)

	fc.inject(t, protocol.TypePermissions, protocol.PermissionsPayload{
		AllowReauth: boolPtr(true),
		AllowReplay: boolPtr(true),
	})
	// A later message touching only one key leaves the others alone.
	fc.inject(t, protocol.TypePermissions, protocol.PermissionsPayload{
		AllowReplay: boolPtr(false),
	})

	s := m.Session()
	if !s.AllowReauth {
		t.Error("allowReauth lost by partial update")
	}
	if s.AllowReplay {
		t.Error("allowReplay not revoked")
	}
}

func TestManager_DataForwardedVerbatim(t *testing.T) {
	m, fc, sink := newTestManager(t)

	rec := &captureSink{}
	m.SetRecorder(recorderFunc(func(data string) { rec.Write(data) }))

	const chunk = "\x1b[31mred\x1b[0m \x00 binary"
	fc.inject(t, protocol.TypeData, chunk)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.writes) != 1 || sink.writes[0] != chunk {
		t.Errorf("data not forwarded verbatim: %q", sink.writes)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.writes) != 1 || rec.writes[0] != chunk {
		t.Errorf("data not recorded verbatim: %q", rec.writes)
	}
}

type recorderFunc func(data string)

func (f recorderFunc) Record(data string) { f(data) }

func TestManager_ResizeIgnoredUntilConnected(t *testing.T) {
	m, fc, _ := newTestManager(t)

	m.Resize(100, 40)
	if _, ok := fc.lastEmitted(protocol.TypeResize); ok {
		t.Fatal("resize emitted while not connected")
	}

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionAuthResult,
		Success: boolPtr(true),
	})
	m.Resize(100, 40)
	payload, ok := fc.lastEmitted(protocol.TypeResize)
	if !ok {
		t.Fatal("resize not emitted while connected")
	}
	p := payload.(protocol.ResizePayload)
	if p.Cols != 100 || p.Rows != 40 {
		t.Errorf("wrong dimensions %dx%d", p.Cols, p.Rows)
	}
}

func TestManager_SendDataRequiresConnected(t *testing.T) {
	m, fc, _ := newTestManager(t)

	if err := m.SendData("ls\n"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionAuthResult,
		Success: boolPtr(true),
	})
	if err := m.SendData("ls\n"); err != nil {
		t.Fatalf("SendData failed while connected: %v", err)
	}
}

func TestManager_DisconnectClearsChallenge(t *testing.T) {
	m, fc, _ := newTestManager(t)

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action:  protocol.ActionKeyboardInteractive,
		Prompts: []protocol.AuthPrompt{{Prompt: "q"}},
	})

	var gotReason string
	m.OnDisconnect(func(reason string) { gotReason = reason })

	fc.Close(transport.ReasonServerClose)

	if m.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", m.Status())
	}
	if gotReason != transport.ReasonServerClose {
		t.Errorf("wrong reason %q", gotReason)
	}
	if err := m.SubmitChallengeResponse([]string{"late"}); !errors.Is(err, ErrNoChallenge) {
		t.Error("challenge survived disconnect")
	}
}

func TestManager_ReconnectSupersedesOldChannel(t *testing.T) {
	m, fc, _ := newTestManager(t)

	fc2 := newFakeConn()
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		return fc2, nil
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	if !fc.closed {
		t.Error("old channel not closed on reconnect")
	}

	// The stale channel's disconnect callback must not touch the new session.
	if m.Status() != StatusConnecting {
		t.Fatalf("expected connecting, got %s", m.Status())
	}
	fc.Close(transport.ReasonError)
	if m.Status() != StatusConnecting {
		t.Errorf("stale disconnect changed status to %s", m.Status())
	}
}

func TestManager_DimensionsUpdateSink(t *testing.T) {
	m, fc, sink := newTestManager(t)

	fc.inject(t, protocol.TypeAuthentication, protocol.AuthenticationPayload{
		Action: protocol.ActionDimensions,
		Cols:   132,
		Rows:   43,
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.cols != 132 || sink.rows != 43 {
		t.Errorf("sink not resized: %dx%d", sink.cols, sink.rows)
	}
	if d := m.Session().Dims; d.Cols != 132 || d.Rows != 43 {
		t.Errorf("session dims not updated: %+v", d)
	}
}
