package offlineshell

import (
	"errors"
)

// MessageType identifies a message posted by a page.
type MessageType string

const (
	// MessageSkipWaiting asks the waiting version to activate now.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageGetVersion asks for the version tag of the current caches.
	MessageGetVersion MessageType = "GET_VERSION"
)

var (
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrNoWaitingWorker = errors.New("no waiting worker")
	ErrNoActiveWorker  = errors.New("no active worker")
)

type Message struct {
	Type MessageType `json:"type"`
}

// Reply is returned to the page that posted a message.
type Reply struct {
	// Version tag of the answering worker.
	Version string `json:"version"`
	// Name of the answering worker's static partition.
	Cache string `json:"cache,omitempty"`
	State State  `json:"state,omitempty"`
	// Version tag of an installed worker waiting to activate, if any.
	Waiting string `json:"waiting,omitempty"`
}
