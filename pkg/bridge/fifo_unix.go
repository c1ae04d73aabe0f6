//go:build linux || darwin || freebsd || netbsd || openbsd

package bridge

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fifoPoller waits on a set of non-blocking FIFO descriptors with poll(2)
type fifoPoller struct {
	paths []string
	fds   []int
	buf   []byte
}

func newFIFOPoller() (*fifoPoller, error) {
	return &fifoPoller{buf: make([]byte, readChunkSize)}, nil
}

func openFIFO(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fd, err
	}
}

// add opens path and appends it to the set, returning its index
func (p *fifoPoller) add(path string) (int, error) {
	fd, err := openFIFO(path)
	if err != nil {
		return -1, err
	}
	p.paths = append(p.paths, path)
	p.fds = append(p.fds, fd)
	return len(p.fds) - 1, nil
}

// wait blocks up to timeout and returns the indices that are readable or
// hung up. Interrupted waits report nothing ready.
func (p *fifoPoller) wait(timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(p.fds))
	for i, fd := range p.fds {
		// poll(2) skips negative descriptors, which is how dead routes stay out
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, i)
		}
	}
	return ready, nil
}

// drain reads everything currently available from pipe i. hup reports that
// every writer has gone away.
func (p *fifoPoller) drain(i int) (payload []byte, hup bool, err error) {
	fd := p.fds[i]
	for {
		n, rerr := unix.Read(fd, p.buf)
		switch {
		case n > 0:
			payload = append(payload, p.buf[:n]...)
		case rerr == nil:
			return payload, true, nil
		case errors.Is(rerr, unix.EINTR):
			continue
		case errors.Is(rerr, unix.EAGAIN):
			return payload, false, nil
		default:
			return payload, false, rerr
		}
	}
}

// reopen replaces pipe i's descriptor with a fresh one so a hung-up FIFO
// stops reporting readiness. On failure the pipe is retired.
func (p *fifoPoller) reopen(i int) error {
	if p.fds[i] >= 0 {
		unix.Close(p.fds[i])
	}
	fd, err := openFIFO(p.paths[i])
	if err != nil {
		p.fds[i] = -1
		return err
	}
	p.fds[i] = fd
	return nil
}

// retire closes pipe i and removes it from future waits
func (p *fifoPoller) retire(i int) {
	if p.fds[i] >= 0 {
		unix.Close(p.fds[i])
		p.fds[i] = -1
	}
}

// live reports how many pipes are still being watched
func (p *fifoPoller) live() int {
	n := 0
	for _, fd := range p.fds {
		if fd >= 0 {
			n++
		}
	}
	return n
}

func (p *fifoPoller) close() {
	for i := range p.fds {
		p.retire(i)
	}
}

// openDestination opens a forward target write-only. FIFOs are opened
// non-blocking so a missing reader fails (ENXIO) instead of hanging;
// anything else is created or truncated.
func openDestination(path string) (*os.File, error) {
	flags := os.O_WRONLY
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeNamedPipe != 0 {
		flags |= unix.O_NONBLOCK
	} else {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(path, flags, 0o644)
}
