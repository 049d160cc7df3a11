package protocol

import "sync"

var (
	regMu   sync.RWMutex
	factory ClientFactory
)

// RegisterFactory installs the concrete protocol client implementation.
// The adapter package linking the real wire-protocol library calls this from
// its init; the composition root refuses to start without one.
func RegisterFactory(f ClientFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	factory = f
}

// RegisteredFactory returns the installed factory, or nil.
func RegisteredFactory() ClientFactory {
	regMu.RLock()
	defer regMu.RUnlock()
	return factory
}
