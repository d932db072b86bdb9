package bussession

// fairMutex is a single-slot ticket lock. Because Go's runtime services
// goroutines blocked on the same channel in FIFO order, this gives
// waiters on the bus the first-in-first-out guarantee a plain
// sync.Mutex does not promise.
type fairMutex struct {
	tokens chan struct{}
}

func newFairMutex() *fairMutex {
	m := &fairMutex{tokens: make(chan struct{}, 1)}
	m.tokens <- struct{}{}
	return m
}

func (m *fairMutex) Lock() {
	<-m.tokens
}

func (m *fairMutex) Unlock() {
	m.tokens <- struct{}{}
}
