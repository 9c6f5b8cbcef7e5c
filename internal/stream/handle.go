package stream

import (
	"context"
)

// Handle identifies one in-flight request and carries its cancellation
// scope. A controller holds at most one live handle at a time; issuing a
// new one supersedes the previous handle, and events belonging to a
// superseded handle must be discarded by identity comparison against the
// controller's current handle.
//
// Cancellation is cooperative: Cancel aborts the handle's context, and the
// read loop observes it at its next suspension point. Handles from
// different controllers are fully independent.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandle issues a fresh handle scoped under parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the cancellation scope passed down through the transport.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel signals the handle. Safe to call more than once.
func (h *Handle) Cancel() { h.cancel() }

// Cancelled reports whether the handle has been signalled.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }
