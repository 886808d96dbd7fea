// Package events provides in-process event emission and subscription.
// The local engine announces ledger changes here so other consumers in
// the same process stay in sync without polling, and the websocket
// stream forwards events to UI clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	LedgerChanged      EventType = "LEDGER_CHANGED"
	TradeExecuted      EventType = "TRADE_EXECUTED"
	MigrationCompleted EventType = "MIGRATION_COMPLETED"
	MigrationFailed    EventType = "MIGRATION_FAILED"
	RefreshCompleted   EventType = "REFRESH_COMPLETED"
	SessionChanged     EventType = "SESSION_CHANGED"
	SettingsChanged    EventType = "SETTINGS_CHANGED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Manager handles event emission, logging and fan-out to subscribers.
type Manager struct {
	log  zerolog.Logger
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:  log.With().Str("service", "events").Logger(),
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called when the consumer goes away. Slow consumers drop events rather
// than blocking the emitter.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	ch := make(chan Event, 16)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit emits an event to the log and all subscribers.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; staleness is corrected by the
			// next refresh, so dropping is safe.
		}
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
