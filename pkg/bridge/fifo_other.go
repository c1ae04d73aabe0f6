//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package bridge

import (
	"os"
	"time"
)

type fifoPoller struct{}

func newFIFOPoller() (*fifoPoller, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *fifoPoller) add(string) (int, error)           { return -1, ErrUnsupportedPlatform }
func (p *fifoPoller) wait(time.Duration) ([]int, error) { return nil, ErrUnsupportedPlatform }
func (p *fifoPoller) drain(int) ([]byte, bool, error)   { return nil, false, ErrUnsupportedPlatform }
func (p *fifoPoller) reopen(int) error                  { return ErrUnsupportedPlatform }
func (p *fifoPoller) retire(int)                        {}
func (p *fifoPoller) live() int                         { return 0 }
func (p *fifoPoller) close()                            {}

func openDestination(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
