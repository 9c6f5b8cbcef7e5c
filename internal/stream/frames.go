package stream

import "strings"

// frameDelimiter separates frames on the wire.
const frameDelimiter = "\n\n"

// SplitFrames splits buf into complete frames and a trailing remainder.
// Every segment before the last delimiter is returned as a frame, in order.
// Anything after the last delimiter is returned as rest and must be
// prepended to the next inbound chunk before the next call.
//
// SplitFrames is pure: a buffer without any delimiter yields no frames and
// the whole buffer as rest, and an empty buffer yields nothing.
func SplitFrames(buf string) (frames []string, rest string) {
	for {
		i := strings.Index(buf, frameDelimiter)
		if i < 0 {
			return frames, buf
		}
		frames = append(frames, buf[:i])
		buf = buf[i+len(frameDelimiter):]
	}
}
