package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clawlink/internal/domain"
)

// TurnResult is the payload published on turn.committed and turn.failed.
type TurnResult struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	Ephemeral  bool   `json:"ephemeral"`
}

// UnreadNotice is the payload published on session.unread.
type UnreadNotice struct {
	SessionKey string `json:"session_key"`
	Count      int    `json:"count"`
}

// Demux routes streamed agent events by session key. Deltas for the active
// session accumulate privately and surface as one committed string when the
// turn's lifecycle ends. Background sessions only track unread turn counts.
type Demux struct {
	bus    domain.EventBus
	logger *slog.Logger

	mu        sync.Mutex
	active    string
	buffer    strings.Builder
	ephemeral bool
	unread    map[string]int
}

func NewDemux(bus domain.EventBus, logger *slog.Logger) *Demux {
	return &Demux{
		bus:    bus,
		logger: logger,
		unread: make(map[string]int),
	}
}

// SetActiveSession designates the session whose deltas are buffered. Switching
// clears the accumulation buffer and the session's unread count.
func (d *Demux) SetActiveSession(key string) {
	d.mu.Lock()
	d.active = key
	d.buffer.Reset()
	delete(d.unread, key)
	d.mu.Unlock()
}

// ActiveSession returns the currently designated session key.
func (d *Demux) ActiveSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SetEphemeral marks the next turn's output as diverted rather than committed
// to history. The flag resets unconditionally when the turn ends.
func (d *Demux) SetEphemeral(v bool) {
	d.mu.Lock()
	d.ephemeral = v
	d.mu.Unlock()
}

// Unread returns the unread turn count for a session.
func (d *Demux) Unread(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread[key]
}

// HandleAgentEvent routes one streamed agent event. Malformed payloads are
// dropped; a broken peer frame must never disturb the connection.
func (d *Demux) HandleAgentEvent(ctx context.Context, raw json.RawMessage) {
	var ev AgentEventPayload
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.logger.Debug("dropping malformed agent event", "error", err)
		return
	}

	d.mu.Lock()
	if ev.SessionKey != d.active {
		d.handleBackgroundLocked(ctx, ev)
		return
	}
	d.handleActiveLocked(ctx, ev)
}

// handleBackgroundLocked counts completed turns for inactive sessions and
// discards everything else. Releases d.mu.
func (d *Demux) handleBackgroundLocked(ctx context.Context, ev AgentEventPayload) {
	if ev.Stream != StreamLifecycle || ev.Phase != PhaseEnd {
		d.mu.Unlock()
		return
	}
	d.unread[ev.SessionKey]++
	count := d.unread[ev.SessionKey]
	d.mu.Unlock()

	d.publish(ctx, domain.EventSessionUnread, ev.SessionKey, UnreadNotice{
		SessionKey: ev.SessionKey,
		Count:      count,
	})
}

// handleActiveLocked accumulates deltas and commits on lifecycle end.
// Releases d.mu.
func (d *Demux) handleActiveLocked(ctx context.Context, ev AgentEventPayload) {
	switch ev.Stream {
	case StreamAssistant:
		d.buffer.WriteString(ev.Delta)
		d.mu.Unlock()

	case StreamLifecycle:
		switch ev.Phase {
		case PhaseStart:
			d.buffer.Reset()
			d.mu.Unlock()
			d.publish(ctx, domain.EventTurnStarted, ev.SessionKey, nil)

		case PhaseEnd:
			text := d.buffer.String()
			d.buffer.Reset()
			ephemeral := d.ephemeral
			d.ephemeral = false
			d.mu.Unlock()

			result := TurnResult{
				SessionKey: ev.SessionKey,
				Text:       text,
				Error:      ev.Error,
				Ephemeral:  ephemeral,
			}
			if ev.Error != "" {
				d.publish(ctx, domain.EventTurnFailed, ev.SessionKey, result)
				return
			}
			d.publish(ctx, domain.EventTurnCommitted, ev.SessionKey, result)

		default:
			d.mu.Unlock()
		}

	default:
		d.mu.Unlock()
	}
}

func (d *Demux) publish(ctx context.Context, t domain.EventType, sessionKey string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			d.logger.Error("encoding event payload", "type", t, "error", err)
			return
		}
		raw = encoded
	}
	d.bus.Publish(ctx, domain.Event{
		Type:       t,
		Timestamp:  time.Now(),
		SessionKey: sessionKey,
		Payload:    raw,
	})
}
