package stream

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"
)

// OutcomeKind classifies how a read loop ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the source was exhausted, or the event
	// callback asked to stop.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeCancelled means cancellation was observed. An early stop is
	// deliberate and is not a failure.
	OutcomeCancelled
	// OutcomeFailed means a transport error interrupted the read.
	OutcomeFailed
)

// Outcome is the result of one read loop.
type Outcome struct {
	Kind    OutcomeKind
	Failure *Failure
}

// Reader owns the chunked read loop for one response body. It keeps a
// carry-over buffer so a frame may straddle two network chunks, and holds
// back the trailing bytes of a UTF-8 sequence split across a chunk boundary
// instead of decoding them to replacement characters.
//
// A Reader serves a single stream and is not safe for concurrent use.
type Reader struct {
	// OnDrop, when set, observes frames the decoder discarded together
	// with the reason. Payload-free keep-alive frames are not reported.
	OnDrop func(frame string, err error)

	carry   string
	pending []byte
}

// Read pulls chunks from src until exhaustion, cancellation, or a read
// error, invoking onEvent for every decoded event in arrival order. Frames
// the decoder rejects are dropped and the stream continues. After the
// source is exhausted the held-back bytes are flushed and the remaining
// buffer is parsed once more, since the last frame of a stream is not
// guaranteed to be delimiter-terminated.
//
// onEvent returning false stops the read early with a Completed outcome.
// Once ctx is cancelled no further events are delivered.
func (r *Reader) Read(ctx context.Context, src io.Reader, onEvent func(Event) bool) Outcome {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeCancelled}
		}

		n, err := src.Read(buf)
		if n > 0 {
			r.ingest(buf[:n])
			frames, rest := SplitFrames(r.carry)
			r.carry = rest
			out, stop := r.emit(ctx, frames, onEvent)
			if stop {
				return out
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return r.finish(ctx, onEvent)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return Outcome{Kind: OutcomeCancelled}
			}
			return Outcome{Kind: OutcomeFailed, Failure: &Failure{Kind: FailNetwork, Err: err}}
		}
	}
}

// ingest appends chunk to the carry-over buffer, cutting at the last
// complete rune boundary and holding back the tail.
func (r *Reader) ingest(chunk []byte) {
	r.pending = append(r.pending, chunk...)
	n := completePrefix(r.pending)
	r.carry += string(r.pending[:n])
	r.pending = append(r.pending[:0], r.pending[n:]...)
}

func (r *Reader) emit(ctx context.Context, frames []string, onEvent func(Event) bool) (Outcome, bool) {
	for _, f := range frames {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeCancelled}, true
		}
		ev, err := DecodeFrame(f)
		if err != nil {
			if r.OnDrop != nil && !errors.Is(err, ErrNoPayload) {
				r.OnDrop(f, err)
			}
			continue
		}
		if !onEvent(ev) {
			return Outcome{Kind: OutcomeCompleted}, true
		}
	}
	return Outcome{}, false
}

// finish performs the end-of-stream flush: held-back bytes join the buffer,
// and a trailing frame without a closing delimiter is still decoded.
func (r *Reader) finish(ctx context.Context, onEvent func(Event) bool) Outcome {
	r.carry += string(r.pending)
	r.pending = nil
	frames, rest := SplitFrames(r.carry)
	if rest != "" {
		frames = append(frames, rest)
	}
	r.carry = ""
	if out, stop := r.emit(ctx, frames, onEvent); stop {
		return out
	}
	return Outcome{Kind: OutcomeCompleted}
}

// completePrefix returns the longest prefix of b that does not end in the
// middle of a UTF-8 sequence.
func completePrefix(b []byte) int {
	end := len(b)
	i := end - 1
	for i >= 0 && end-i < utf8.UTFMax && b[i]&0xC0 == 0x80 {
		i--
	}
	if i < 0 {
		return end
	}
	c := b[i]
	if c < 0x80 {
		return end
	}
	var size int
	switch {
	case c&0xE0 == 0xC0:
		size = 2
	case c&0xF0 == 0xE0:
		size = 3
	case c&0xF8 == 0xF0:
		size = 4
	default:
		// Not a valid leading byte; let string conversion handle it.
		return end
	}
	if i+size <= end {
		return end
	}
	return i
}
