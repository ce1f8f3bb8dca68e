package workflow

import (
	"sync"
	"time"
)

const (
	successNoticeTTL = 3 * time.Second
	errorNoticeTTL   = 5 * time.Second
)

// Notices holds the transient operator-facing banners: at most one success
// and one error at a time. New messages replace prior ones, and each slot
// self-expires. Notices are advisory only and never gate transitions.
type Notices struct {
	mu         sync.Mutex
	success    string
	errMsg     string
	successTTL time.Duration
	errorTTL   time.Duration
	successGen int
	errorGen   int
	onSet      func(kind, text string)
}

// NewNotices creates the banner pair with the standard expiries. onSet is
// optional and fires for every new message (used to mirror notices onto
// the bus).
func NewNotices(onSet func(kind, text string)) *Notices {
	return &Notices{
		successTTL: successNoticeTTL,
		errorTTL:   errorNoticeTTL,
		onSet:      onSet,
	}
}

// Success replaces the success banner and schedules its expiry.
func (n *Notices) Success(text string) {
	n.mu.Lock()
	n.success = text
	n.successGen++
	gen := n.successGen
	ttl := n.successTTL
	n.mu.Unlock()

	if n.onSet != nil {
		n.onSet("success", text)
	}
	time.AfterFunc(ttl, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.successGen == gen {
			n.success = ""
		}
	})
}

// Error replaces the error banner and schedules its expiry.
func (n *Notices) Error(text string) {
	n.mu.Lock()
	n.errMsg = text
	n.errorGen++
	gen := n.errorGen
	ttl := n.errorTTL
	n.mu.Unlock()

	if n.onSet != nil {
		n.onSet("error", text)
	}
	time.AfterFunc(ttl, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.errorGen == gen {
			n.errMsg = ""
		}
	})
}

// Current returns the banners still visible.
func (n *Notices) Current() (success, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.success, n.errMsg
}
