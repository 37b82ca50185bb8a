// Package sink gives the engine a capability for publishing pool and
// filesystem state-transition notifications, in place of a global
// listener registry. An Engine is constructed with a Sink, a response
// channel passed in at construction time, rather than reaching for
// package-level state to report back to a caller.
package sink

import (
	"time"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Kind distinguishes the state transitions a Sink is notified about.
type Kind int

const (
	PoolStarted Kind = iota
	PoolStopped
	PoolDestroyed
	PoolRenamed
	PoolLevelChanged
	FilesystemCreated
	FilesystemDestroyed
	FilesystemRenamed
)

func (k Kind) String() string {
	switch k {
	case PoolStarted:
		return "PoolStarted"
	case PoolStopped:
		return "PoolStopped"
	case PoolDestroyed:
		return "PoolDestroyed"
	case PoolRenamed:
		return "PoolRenamed"
	case PoolLevelChanged:
		return "PoolLevelChanged"
	case FilesystemCreated:
		return "FilesystemCreated"
	case FilesystemDestroyed:
		return "FilesystemDestroyed"
	case FilesystemRenamed:
		return "FilesystemRenamed"
	default:
		return "Unknown"
	}
}

// Event is one notification pushed through a Sink. Filesystem is the
// nil FilesystemUUID for pool-scoped events.
type Event struct {
	Kind       Kind
	Pool       uuid.PoolUUID
	Filesystem uuid.FilesystemUUID
	Name       string
	Level      perrors.Level
	At         time.Time
}

// Sink receives state-transition notifications. Implementations must
// not block the caller for long; a broker-facing Sink typically
// fans out onto its own queue.
type Sink interface {
	Notify(Event)
}

// Discard is a Sink that drops every event, for callers that have no
// broker attached (e.g. most tests).
type Discard struct{}

func (Discard) Notify(Event) {}

// Chan delivers every event onto a buffered channel, the shape an
// object-broker front-end would drain from its own goroutine.
type Chan struct {
	C chan Event
}

// NewChan returns a Chan with room for capacity buffered events.
func NewChan(capacity int) *Chan {
	return &Chan{C: make(chan Event, capacity)}
}

// Notify pushes ev onto the channel, dropping it if the channel is
// full rather than blocking the engine's critical section.
func (s *Chan) Notify(ev Event) {
	select {
	case s.C <- ev:
	default:
	}
}
