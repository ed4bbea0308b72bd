package app

import "github.com/lu-zhengda/mailsync/internal/domain"

// EventHandler observes engine events. It is called synchronously from engine
// goroutines and must not block for long.
type EventHandler interface {
	HandleEvent(domain.Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(domain.Event)

func (f EventHandlerFunc) HandleEvent(e domain.Event) { f(e) }

func (m *Manager) emit(e domain.Event) {
	e.At = m.now()
	ev := m.log.Debug().Str("event", e.Kind.String()).Str("account", e.AccountID)
	if e.Err != nil {
		ev = ev.AnErr("cause", e.Err)
	}
	ev.Msg("event")
	if m.events != nil {
		m.events.HandleEvent(e)
	}
}
