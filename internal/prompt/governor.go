package prompt

import (
	"sync"
	"time"

	"termgate/internal/protocol"

	"github.com/rs/zerolog"
)

const (
	softLimit  = 5
	breakLimit = 10
	limitSpan  = time.Second
	pruneAge   = 10 * time.Second

	maxQueuedModals = 3
	maxToasts       = 5

	defaultToastTimeout = 5000 * time.Millisecond
	valveDelay          = 5 * time.Second
)

// Prompt resolution outcomes reported to the server.
const (
	OutcomeAction    = "action"
	OutcomeDismissed = "dismissed"
	OutcomeTimeout   = "timeout"
)

// Emitter sends a message to the gateway. The session manager implements it.
type Emitter interface {
	Emit(msgType string, payload interface{}) error
}

// Governor admits server-pushed interaction requests, defending the client
// against a server flooding it with modal requests. Admission applies a
// sliding one-second window: at softLimit requests new ones are silently
// dropped, at breakLimit the circuit breaker trips, wipes all prompt state,
// and closes the transport. Only explicit reconnection logic resets the
// breaker.
type Governor struct {
	mu  sync.Mutex
	log zerolog.Logger

	emitter Emitter
	now     func() time.Time

	window  []time.Time
	tripped bool

	active            *protocol.PromptPayload
	activeDismissible bool
	queue             []protocol.PromptPayload
	toasts            []*toastEntry
	fieldValues       map[string]map[string]string
	timeoutTimer      *time.Timer
	valveTimer        *time.Timer

	onShowModal     func(p protocol.PromptPayload)
	onShowToast     func(p protocol.PromptPayload)
	onHideToast     func(id string)
	onSecurityError func(message string)
	closeTransport  func()
}

type toastEntry struct {
	payload protocol.PromptPayload
	timer   *time.Timer
}

// New creates a Governor emitting responses through emitter.
func New(emitter Emitter, logger zerolog.Logger) *Governor {
	return &Governor{
		log:         logger,
		emitter:     emitter,
		now:         time.Now,
		fieldValues: make(map[string]map[string]string),
	}
}

// OnShowModal registers the UI callback for a newly active modal.
func (g *Governor) OnShowModal(fn func(p protocol.PromptPayload)) {
	g.mu.Lock()
	g.onShowModal = fn
	g.mu.Unlock()
}

// OnShowToast registers the UI callback for a newly visible toast.
func (g *Governor) OnShowToast(fn func(p protocol.PromptPayload)) {
	g.mu.Lock()
	g.onShowToast = fn
	g.mu.Unlock()
}

// OnHideToast registers the UI callback for a toast leaving the visible set.
func (g *Governor) OnHideToast(fn func(id string)) {
	g.mu.Lock()
	g.onHideToast = fn
	g.mu.Unlock()
}

// OnSecurityError registers the callback surfacing a tripped breaker.
func (g *Governor) OnSecurityError(fn func(message string)) {
	g.mu.Lock()
	g.onSecurityError = fn
	g.mu.Unlock()
}

// SetTransportCloser wires the breaker's forced disconnect, normally the
// session manager's CloseTransport.
func (g *Governor) SetTransportCloser(fn func()) {
	g.mu.Lock()
	g.closeTransport = fn
	g.mu.Unlock()
}

// Tripped reports whether the circuit breaker is open.
func (g *Governor) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Reset closes the breaker and clears the window. Call it from explicit
// reconnection logic only.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.tripped = false
	g.window = nil
	g.mu.Unlock()
}

// Handle admits one server-pushed request. Rejections are silent: no
// response is ever sent for a dropped request.
func (g *Governor) Handle(p protocol.PromptPayload) {
	g.mu.Lock()

	if g.tripped {
		g.mu.Unlock()
		return
	}

	now := g.now()
	g.pruneLocked(now)

	recent := 0
	for _, ts := range g.window {
		if now.Sub(ts) < limitSpan {
			recent++
		}
	}
	arrivals := recent + 1

	if arrivals >= breakLimit {
		secErr, closer := g.tripLocked()
		g.mu.Unlock()
		g.log.Warn().Msg("prompt flood, circuit breaker tripped")
		if secErr != nil {
			secErr("prompt flood detected, disconnecting")
		}
		if closer != nil {
			closer()
		}
		return
	}

	g.window = append(g.window, now)

	if arrivals > softLimit {
		g.mu.Unlock()
		g.log.Debug().Str("id", p.ID).Msg("prompt soft rate limit, dropping")
		return
	}

	if p.Kind == "toast" {
		g.admitToastLocked(p)
		return // admitToastLocked unlocks.
	}
	g.admitModalLocked(p)
}

// tripLocked opens the breaker: window cleared, every queued and active
// prompt and toast wiped. Runs with g.mu held and returns the security
// error and transport-close callbacks for the caller to invoke unlocked.
func (g *Governor) tripLocked() (secErr func(string), closer func()) {
	g.tripped = true
	g.window = nil

	g.stopTimersLocked()
	g.active = nil
	g.queue = nil
	for _, t := range g.toasts {
		t.timer.Stop()
	}
	g.toasts = nil
	g.fieldValues = make(map[string]map[string]string)

	return g.onSecurityError, g.closeTransport
}

// admitModalLocked activates or queues a modal request. Unlocks g.mu.
func (g *Governor) admitModalLocked(p protocol.PromptPayload) {
	if g.active != nil {
		if len(g.queue) >= maxQueuedModals {
			g.mu.Unlock()
			g.log.Debug().Str("id", p.ID).Msg("modal queue full, dropping")
			return
		}
		g.queue = append(g.queue, p)
		g.mu.Unlock()
		return
	}
	g.activateLocked(p)
}

// activateLocked makes p the active modal and arms its timers. Unlocks g.mu.
func (g *Governor) activateLocked(p protocol.PromptPayload) {
	g.active = &p
	g.activeDismissible = !p.NoDismiss

	if p.NoDismiss {
		// Safety valve: a stuck non-dismissible modal becomes dismissible
		// after a grace period.
		id := p.ID
		g.valveTimer = time.AfterFunc(valveDelay, func() {
			g.mu.Lock()
			if g.active != nil && g.active.ID == id {
				g.activeDismissible = true
			}
			g.mu.Unlock()
		})
	}

	if p.TimeoutMs > 0 {
		id := p.ID
		g.timeoutTimer = time.AfterFunc(time.Duration(p.TimeoutMs)*time.Millisecond, func() {
			g.resolveActive(id, OutcomeTimeout, "")
		})
	}

	show := g.onShowModal
	g.mu.Unlock()

	if show != nil {
		show(p)
	}
}

// admitToastLocked shows a toast, evicting the oldest visible one when the
// set is full. Unlocks g.mu.
func (g *Governor) admitToastLocked(p protocol.PromptPayload) {
	var evicted *toastEntry
	if len(g.toasts) >= maxToasts {
		evicted = g.toasts[0]
		g.toasts = g.toasts[1:]
		evicted.timer.Stop()
	}

	timeout := defaultToastTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	id := p.ID
	entry := &toastEntry{payload: p}
	entry.timer = time.AfterFunc(timeout, func() {
		g.DismissToast(id)
	})
	g.toasts = append(g.toasts, entry)

	show := g.onShowToast
	hide := g.onHideToast
	g.mu.Unlock()

	if evicted != nil {
		if hide != nil {
			hide(evicted.payload.ID)
		}
		g.respond(evicted.payload, OutcomeDismissed, "")
	}
	if show != nil {
		show(p)
	}
}

// SetFieldValue records the current value of an input-prompt field. Values
// are reported with the resolution of the prompt.
func (g *Governor) SetFieldValue(promptID, fieldID, value string) {
	g.mu.Lock()
	if g.fieldValues[promptID] == nil {
		g.fieldValues[promptID] = make(map[string]string)
	}
	g.fieldValues[promptID][fieldID] = value
	g.mu.Unlock()
}

// ResolveAction resolves the active modal with a selected action.
func (g *Governor) ResolveAction(promptID, actionID string) {
	g.resolveActive(promptID, OutcomeAction, actionID)
}

// Dismiss resolves the active modal via backdrop or Escape. Ignored while
// the modal is non-dismissible and the safety valve has not fired.
func (g *Governor) Dismiss(promptID string) {
	g.mu.Lock()
	if g.active == nil || g.active.ID != promptID || !g.activeDismissible {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.resolveActive(promptID, OutcomeDismissed, "")
}

// DismissToast removes a toast from the visible set, independent of others.
func (g *Governor) DismissToast(id string) {
	g.mu.Lock()
	var entry *toastEntry
	for i, t := range g.toasts {
		if t.payload.ID == id {
			entry = t
			g.toasts = append(g.toasts[:i], g.toasts[i+1:]...)
			break
		}
	}
	hide := g.onHideToast
	g.mu.Unlock()

	if entry == nil {
		return
	}
	entry.timer.Stop()
	if hide != nil {
		hide(id)
	}
	g.respond(entry.payload, OutcomeDismissed, "")
}

// EmergencyClose force-dismisses every active and queued prompt and all
// toasts, regardless of the non-dismissible flag, reporting each as
// dismissed. Bound to a reserved key combination in the UI.
func (g *Governor) EmergencyClose() {
	g.mu.Lock()
	g.stopTimersLocked()

	var resolved []protocol.PromptPayload
	if g.active != nil {
		resolved = append(resolved, *g.active)
		g.active = nil
	}
	resolved = append(resolved, g.queue...)
	g.queue = nil

	for _, t := range g.toasts {
		t.timer.Stop()
		resolved = append(resolved, t.payload)
	}
	hidden := g.toasts
	g.toasts = nil

	hide := g.onHideToast
	g.mu.Unlock()

	for _, t := range hidden {
		if hide != nil {
			hide(t.payload.ID)
		}
	}
	for _, p := range resolved {
		g.respond(p, OutcomeDismissed, "")
	}
}

// ActiveModal returns the active modal, if any.
func (g *Governor) ActiveModal() (protocol.PromptPayload, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return protocol.PromptPayload{}, false
	}
	return *g.active, true
}

// QueueLen returns the number of queued modal requests.
func (g *Governor) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Toasts returns the visible toasts, oldest first.
func (g *Governor) Toasts() []protocol.PromptPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.PromptPayload, len(g.toasts))
	for i, t := range g.toasts {
		out[i] = t.payload
	}
	return out
}

// resolveActive finishes the active modal and activates the next queued
// one, FIFO.
func (g *Governor) resolveActive(promptID, outcome, actionID string) {
	g.mu.Lock()
	if g.active == nil || g.active.ID != promptID {
		g.mu.Unlock()
		return
	}
	done := *g.active
	g.active = nil
	g.stopTimersLocked()

	var next *protocol.PromptPayload
	if len(g.queue) > 0 {
		n := g.queue[0]
		g.queue = g.queue[1:]
		next = &n
	}
	g.mu.Unlock()

	g.respond(done, outcome, actionID)

	if next != nil {
		g.mu.Lock()
		g.activateLocked(*next)
	}
}

// respond reports a terminal resolution with the original identifier.
// Input prompts carry the current value of each declared field.
func (g *Governor) respond(p protocol.PromptPayload, outcome, actionID string) {
	g.mu.Lock()
	fields := g.fieldValues[p.ID]
	delete(g.fieldValues, p.ID)
	g.mu.Unlock()

	payload := protocol.PromptResponsePayload{
		ID:      p.ID,
		Outcome: outcome,
		Action:  actionID,
	}
	if p.Kind == "input" {
		if fields == nil {
			fields = make(map[string]string)
		}
		for _, f := range p.Fields {
			if _, ok := fields[f.ID]; !ok {
				fields[f.ID] = ""
			}
		}
		payload.Fields = fields
	}

	if err := g.emitter.Emit(protocol.TypePromptResponse, payload); err != nil {
		g.log.Warn().Err(err).Str("id", p.ID).Msg("send prompt response")
	}
}

func (g *Governor) stopTimersLocked() {
	if g.timeoutTimer != nil {
		g.timeoutTimer.Stop()
		g.timeoutTimer = nil
	}
	if g.valveTimer != nil {
		g.valveTimer.Stop()
		g.valveTimer = nil
	}
}

func (g *Governor) pruneLocked(now time.Time) {
	i := 0
	for i < len(g.window) && now.Sub(g.window[i]) > pruneAge {
		i++
	}
	g.window = g.window[i:]
}
