// Package netclient connects stream endpoints to a forwarder and dispatches
// network events to handlers.
package netclient

import (
	"context"
	"time"

	"github.com/dgnsrekt/ccnx-streamer/internal/name"
	"github.com/dgnsrekt/ccnx-streamer/internal/wire"
)

// Event is one of InterestArrived, ContentArrived, InterestTimedOut or Final.
type Event interface {
	isEvent()
}

// InterestArrived is delivered to interest filter handlers.
type InterestArrived struct {
	Interest *wire.Interest
}

// ContentArrived answers an expressed interest. Data is only valid for the
// duration of the handler call.
type ContentArrived struct {
	Interest *wire.Interest
	Data     *wire.Data
}

// InterestTimedOut reports that an interest lifetime elapsed unanswered.
type InterestTimedOut struct {
	Interest *wire.Interest
}

// Final is the last event a handler receives.
type Final struct{}

func (InterestArrived) isEvent() {}
func (ContentArrived) isEvent() {}
func (InterestTimedOut) isEvent() {}
func (Final) isEvent() {}

// Result tells the client what to do after a handler returns.
type Result int

const (
	ResultOK Result = iota
	// ResultReexpress resends a timed out interest.
	ResultReexpress
	ResultErr
)

// Handler receives events. Handlers run on the goroutine calling Poll.
type Handler func(Event) Result

// Client is the network surface used by producers and consumers.
type Client interface {
	Connect(ctx context.Context, host string) error
	ExpressInterest(in *wire.Interest, h Handler) error
	SetInterestFilter(prefix name.Name, h Handler) error
	Put(data []byte) error
	Poll(timeout time.Duration) error
	ConnectionAlive() bool
	Close() error
}
