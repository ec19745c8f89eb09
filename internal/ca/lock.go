package ca

import "sync"

// caLocks holds one mutex per CA base directory, so every *CA value for
// the same directory in this process shares it.
var caLocks sync.Map

func lockFor(base string) *sync.Mutex {
	mu, _ := caLocks.LoadOrStore(base, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
