//go:build darwin || freebsd || netbsd || openbsd

package poller

import "golang.org/x/sys/unix"

type kqueuePoller struct {
	kqfd    int
	events  []unix.Kevent_t
	results []Event
}

// New creates the BSD poller.
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{
		kqfd:    kqfd,
		events:  make([]unix.Kevent_t, 1024),
		results: make([]Event, 0, 1024),
	}, nil
}

func (p *kqueuePoller) Add(fd int) error {
	// Level-triggered read filter. EV_CLEAR is deliberately absent.
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueuePoller) Remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueuePoller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	p.results = p.results[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		p.results = append(p.results, Event{
			FD:  int(ev.Ident),
			Hup: ev.Flags&unix.EV_EOF != 0,
		})
	}
	return p.results, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

// SetNonblock puts the descriptor in non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
