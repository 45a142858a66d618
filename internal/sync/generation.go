package sync

import "sync/atomic"

// Generation is a process-wide monotonic counter providing cooperative
// cancellation for in-flight sync attempts. An attempt captures a [Token] at
// its start and re-checks it after every suspension point; bumping the
// generation makes every outstanding token stale, so the continuations become
// no-ops that still complete and release their resources.
type Generation struct {
	n atomic.Int64
}

// Token is the generation value captured by one attempt.
type Token struct {
	gen   *Generation
	value int64
}

// Current returns a token for the generation as it is now.
func (g *Generation) Current() Token {
	return Token{gen: g, value: g.n.Load()}
}

// Bump invalidates all outstanding tokens.
func (g *Generation) Bump() {
	g.n.Add(1)
}

// Stale reports whether the generation has been bumped since this token was
// captured. A stale token means the attempt was aborted: apply no results,
// but still signal completion.
func (t Token) Stale() bool {
	return t.gen.n.Load() != t.value
}
