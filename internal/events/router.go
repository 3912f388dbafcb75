package events

import (
	"errors"
	"sync/atomic"

	"github.com/bardlex/ehash/pkg/log"
)

var (
	// ErrSinkFull is returned by a sink whose buffer is saturated.
	ErrSinkFull = errors.New("sink full")
	// ErrSinkClosed is returned by a sink that no longer accepts events.
	ErrSinkClosed = errors.New("sink closed")
)

// Sink accepts events without blocking. Submit must return immediately.
type Sink[T any] interface {
	Submit(T) error
}

// Router converts validation outcomes into coordinator events and hands them over.
// It keeps no state besides drop counters, so the hot path never contends on it.
type Router struct {
	mint   Sink[ShareMintEvent]
	wallet Sink[WalletCorrelationEvent]
	logger *log.Logger
	hook   DropHook

	mintRouted    atomic.Uint64
	mintDropped   atomic.Uint64
	walletRouted  atomic.Uint64
	walletDropped atomic.Uint64
}

// DropHook observes routing results, typically to feed metrics.
type DropHook interface {
	Routed(destination string)
	Dropped(destination, reason string)
}

// RouterStats is a snapshot of the router counters.
type RouterStats struct {
	MintRouted    uint64
	MintDropped   uint64
	WalletRouted  uint64
	WalletDropped uint64
}

// NewRouter creates a router. Either sink may be nil, in which case events for it are dropped.
func NewRouter(mint Sink[ShareMintEvent], wallet Sink[WalletCorrelationEvent], logger *log.Logger, hook DropHook) *Router {
	return &Router{
		mint:   mint,
		wallet: wallet,
		logger: logger.WithComponent("router"),
		hook:   hook,
	}
}

// RouteShare hands an accepted share to the mint. It never blocks and never fails.
func (r *Router) RouteShare(o ShareOutcome) {
	r.RouteMint(MintEventFromOutcome(o))
}

// RouteMint hands a prepared mint event to the mint.
func (r *Router) RouteMint(ev ShareMintEvent) {
	if deliver(r, "mint", r.mint, ev) {
		r.mintRouted.Add(1)
	} else {
		r.mintDropped.Add(1)
	}
}

// RouteAcceptance hands a share acknowledgement to the wallet. It never blocks and never fails.
func (r *Router) RouteAcceptance(a ShareAck) {
	if deliver(r, "wallet", r.wallet, WalletEventFromAck(a)) {
		r.walletRouted.Add(1)
	} else {
		r.walletDropped.Add(1)
	}
}

// Stats returns the routing counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		MintRouted:    r.mintRouted.Load(),
		MintDropped:   r.mintDropped.Load(),
		WalletRouted:  r.walletRouted.Load(),
		WalletDropped: r.walletDropped.Load(),
	}
}

func deliver[T any](r *Router, dest string, sink Sink[T], ev T) bool {
	var err error
	if sink == nil {
		err = ErrSinkClosed
	} else {
		err = sink.Submit(ev)
	}

	if err != nil {
		r.logger.WithError(err).LogDrop(dest, reason(err))
		if r.hook != nil {
			r.hook.Dropped(dest, reason(err))
		}
		return false
	}
	if r.hook != nil {
		r.hook.Routed(dest)
	}
	return true
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrSinkFull):
		return "full"
	case errors.Is(err, ErrSinkClosed):
		return "closed"
	default:
		return "rejected"
	}
}

// ChannelSink adapts a plain buffered channel to Sink. A send on a closed channel
// is reported as ErrSinkClosed instead of panicking.
type ChannelSink[T any] struct {
	C chan T
}

// Submit performs a non-blocking send.
func (s ChannelSink[T]) Submit(ev T) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrSinkClosed
		}
	}()

	select {
	case s.C <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}
