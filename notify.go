package offlineshell

import (
	"github.com/rs/zerolog"
)

// UpdateEvent announces that a new version finished installing while pages
// are still controlled by an older one.
type UpdateEvent struct {
	// Version controlling the open pages.
	Current string `json:"current"`
	// Installed version, waiting or about to activate.
	Next string `json:"next"`
	// Number of pages controlled by the current version.
	Clients int `json:"clients"`
}

// Notifier tells open pages that an update is available.
// Notifications are advisory and never affect cache state.
type Notifier interface {
	UpdateReady(UpdateEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(UpdateEvent)

func (f NotifierFunc) UpdateReady(ev UpdateEvent) {
	f(ev)
}

// LogNotifier writes update notifications to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) UpdateReady(ev UpdateEvent) {
	n.Logger.Info().
		Str("current", ev.Current).
		Str("next", ev.Next).
		Int("clients", ev.Clients).
		Msg("Update available")
}
