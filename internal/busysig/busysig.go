// Package busysig implements the busy/idle signaling channel between the
// pool supervisor and its worker processes. It is a bounded, best-effort,
// multi-producer/single-consumer datagram channel: workers send fixed-size
// records without blocking, the supervisor drains whatever is queued, and
// records beyond the kernel socket buffer are dropped on purpose.
package busysig

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Code identifies a busy/idle transition.
type Code uint32

const (
	// Acquired means the worker started processing a unit of work.
	Acquired Code = 1
	// Released means the worker finished its current unit of work.
	Released Code = 2
)

func (c Code) String() string {
	switch c {
	case Acquired:
		return "acquired"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Event is one busy/idle transition reported by a worker.
type Event struct {
	Code     Code
	WorkerID int32
}

// recordSize is the fixed wire size of one event: code and worker id,
// both 32-bit little endian.
const recordSize = 8

// Channel is the supervisor-owned end of the signaling socketpair. The send
// end is inherited by every worker child via ExtraFiles; the receive end is
// drained by the autoscale controller.
type Channel struct {
	recvFD    int
	sendFile  *os.File
	destroyed atomic.Bool
}

// New creates the signaling channel. Failure here is fatal to the caller:
// the pool cannot operate without its channel.
func New() (*Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("busysig: socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("busysig: set nonblock: %w", err)
	}
	return &Channel{
		recvFD:   fds[0],
		sendFile: os.NewFile(uintptr(fds[1]), "busysig-send"),
	}, nil
}

// WorkerFile returns the send end to be passed to worker children through
// exec.Cmd.ExtraFiles.
func (c *Channel) WorkerFile() *os.File {
	return c.sendFile
}

// DrainAll receives every currently queued event without blocking. Runt or
// malformed datagrams are discarded. Called only by the supervisor.
func (c *Channel) DrainAll() []Event {
	if c.destroyed.Load() {
		return nil
	}
	var evs []Event
	buf := make([]byte, recordSize)
	for {
		n, _, err := unix.Recvfrom(c.recvFD, buf, unix.MSG_DONTWAIT)
		if err != nil || n < 0 {
			break
		}
		if n != recordSize {
			continue
		}
		code := Code(binary.LittleEndian.Uint32(buf[0:4]))
		if code != Acquired && code != Released {
			continue
		}
		evs = append(evs, Event{
			Code:     code,
			WorkerID: int32(binary.LittleEndian.Uint32(buf[4:8])),
		})
	}
	return evs
}

// Destroy releases the channel. Safe to call more than once; worker sends
// after Destroy fail silently.
func (c *Channel) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	unix.Close(c.recvFD)
	_ = c.sendFile.Close()
}

// Sender is the worker-side handle used to emit events. Sends never block
// and never fail loudly; a full buffer or a destroyed channel just loses
// the record. The Sender holds the *os.File itself: keeping only the raw
// fd would let the file's finalizer close the descriptor under us.
type Sender struct {
	f *os.File
}

// NewSender wraps the inherited send end. In a worker child this is
// typically os.NewFile(3, ...) handed over by the supervisor.
func NewSender(f *os.File) *Sender {
	return &Sender{f: f}
}

// Send emits one event, best effort.
func (s *Sender) Send(code Code, workerID int32) {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(code))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(workerID))
	_ = unix.Sendto(int(s.f.Fd()), buf[:], unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, nil)
	runtime.KeepAlive(s.f)
}
