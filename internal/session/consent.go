package session

// consentGate tracks the client's screen-sharing approval. A request moves
// it to pending; approving moves it to capturing until the capture result
// is claimed. Every reset bumps the generation so capture results that
// started before it are recognised as stale.
type consentGate struct {
	requester  string
	pending    bool
	capturing  bool
	generation uint64
}

// request records a screen-sharing request. It reports false, leaving the
// gate untouched, when a prompt is already open, a capture is in flight or
// the screen is already shared.
func (g *consentGate) request(requester string, sharing bool) bool {
	if g.pending || g.capturing || sharing {
		return false
	}
	g.requester = requester
	g.pending = true
	return true
}

// approve resolves the pending prompt and starts a capture.
func (g *consentGate) approve() (requester string, generation uint64, ok bool) {
	if !g.pending {
		return "", 0, false
	}
	g.pending = false
	g.capturing = true
	return g.requester, g.generation, true
}

func (g *consentGate) decline() bool {
	if !g.pending {
		return false
	}
	g.pending = false
	g.requester = ""
	return true
}

// claim accepts a capture result. It reports false for a result from an
// earlier generation, which the caller must release.
func (g *consentGate) claim(generation uint64) bool {
	if !g.capturing || generation != g.generation {
		return false
	}
	g.capturing = false
	g.requester = ""
	return true
}

func (g *consentGate) reset() {
	g.generation++
	g.requester = ""
	g.pending = false
	g.capturing = false
}
