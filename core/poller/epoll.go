//go:build linux

package poller

import "golang.org/x/sys/unix"

type epollPoller struct {
	epfd    int
	events  []unix.EpollEvent
	results []Event
}

// New creates the Linux poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:    epfd,
		events:  make([]unix.EpollEvent, 1024),
		results: make([]Event, 0, 1024),
	}, nil
}

func (p *epollPoller) Add(fd int) error {
	// Level-triggered; EPOLLRDHUP surfaces peer shutdown as an event.
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
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
			FD:  int(ev.Fd),
			Hup: ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return p.results, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// SetNonblock puts the descriptor in non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
