// Package poller abstracts the platform readiness API: epoll on Linux,
// kqueue on Darwin and the BSDs.
package poller

// Event is one readiness notification.
type Event struct {
	FD int
	// Hup is set when the peer closed its end.
	Hup bool
}

// Poller multiplexes read readiness over many file descriptors.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	// Wait blocks up to timeoutMs milliseconds; negative blocks forever.
	Wait(timeoutMs int) ([]Event, error)
	Close() error
}
