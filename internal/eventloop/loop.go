//go:build linux

// Package eventloop runs the frontend's data-plane dispatch: a single
// goroutine polling guest kick and backend call eventfds and handing each
// signal to a Handler.
package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var ErrStopped = errors.New("event loop stopped")

// Watch is one enabled queue's pair of descriptors. A negative descriptor is
// not watched.
type Watch struct {
	Queue uint32
	Kick  int
	Call  int
}

// Handler receives dispatched signals. Calls come from the loop goroutine,
// one at a time.
type Handler interface {
	// OnKick runs once for every kick counted on the queue's kick eventfd,
	// in arrival order.
	OnKick(queue uint32)
	// OnCall runs once per wake-up of the queue's call eventfd. Interrupts
	// coalesce, so a counter above one still produces a single call.
	OnCall(queue uint32)
}

// HandlerFuncs adapts functions to Handler. Nil functions ignore the signal.
type HandlerFuncs struct {
	Kick func(queue uint32)
	Call func(queue uint32)
}

func (h HandlerFuncs) OnKick(queue uint32) {
	if h.Kick != nil {
		h.Kick(queue)
	}
}

func (h HandlerFuncs) OnCall(queue uint32) {
	if h.Call != nil {
		h.Call(queue)
	}
}

type Options struct {
	Logger *slog.Logger
}

// Loop polls the descriptors returned by its watch function. The set is
// rebuilt whenever Refresh is called.
type Loop struct {
	log     *slog.Logger
	handler Handler
	watches func() []Watch

	shutdown eventfd.Eventfd
	wake     eventfd.Eventfd

	mu      sync.Mutex
	pending []chan struct{}

	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a loop. watches is called from the loop goroutine at start
// and after every Refresh.
func New(handler Handler, watches func() []Watch, opts Options) (*Loop, error) {
	if handler == nil || watches == nil {
		return nil, fmt.Errorf("eventloop: handler and watch function are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	shutdown, err := newSignal()
	if err != nil {
		return nil, fmt.Errorf("eventloop: shutdown eventfd: %w", err)
	}
	wake, err := newSignal()
	if err != nil {
		shutdown.Close()
		return nil, fmt.Errorf("eventloop: wake eventfd: %w", err)
	}

	return &Loop{
		log:      log.With("component", "eventloop"),
		handler:  handler,
		watches:  watches,
		shutdown: shutdown,
		wake:     wake,
		done:     make(chan struct{}),
	}, nil
}

func newSignal() (eventfd.Eventfd, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return ev, err
	}
	if err := unix.SetNonblock(ev.FD(), true); err != nil {
		ev.Close()
		return ev, err
	}
	return ev, nil
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := l.run(ctx); err != nil {
			l.log.Error("event loop failed", "error", err)
		}
	}()
}

// Run runs the loop on the calling goroutine until Shutdown is called or
// ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("eventloop: already running")
	}
	return l.run(ctx)
}

// Done is closed when the loop goroutine has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Refresh asks the loop to rebuild its watch set and waits until it has.
// After Refresh returns the loop no longer polls descriptors that the
// watch function stopped reporting.
func (l *Loop) Refresh() error {
	if !l.running.Load() {
		return nil
	}
	ack := make(chan struct{})
	l.mu.Lock()
	l.pending = append(l.pending, ack)
	l.mu.Unlock()

	if err := l.wake.Notify(); err != nil {
		return fmt.Errorf("eventloop: wake: %w", err)
	}
	select {
	case <-ack:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Shutdown stops the loop, waits for it and closes the loop's own
// eventfds. It is safe to call more than once.
func (l *Loop) Shutdown() error {
	var err error
	l.closeOnce.Do(func() {
		if l.running.Load() {
			err = l.shutdown.Notify()
			<-l.done
		} else {
			// never started
			l.running.Store(true)
			close(l.done)
		}
		l.shutdown.Close()
		l.wake.Close()
	})
	if err != nil {
		return fmt.Errorf("eventloop: shutdown: %w", err)
	}
	return nil
}

type source struct {
	queue uint32
	kick  bool
}

func (l *Loop) build() ([]unix.PollFd, []source) {
	fds := []unix.PollFd{
		{Fd: int32(l.shutdown.FD()), Events: unix.POLLIN},
		{Fd: int32(l.wake.FD()), Events: unix.POLLIN},
	}
	srcs := []source{{}, {}}

	add := func(fd int, src source) {
		if fd < 0 {
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			l.log.Warn("cannot watch descriptor", "queue", src.queue, "fd", fd, "error", err)
			return
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		srcs = append(srcs, src)
	}
	for _, w := range l.watches() {
		add(w.Kick, source{queue: w.Queue, kick: true})
		add(w.Call, source{queue: w.Queue})
	}
	return fds, srcs
}

func (l *Loop) acknowledge() {
	l.mu.Lock()
	for _, ack := range l.pending {
		close(ack)
	}
	l.pending = nil
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context) error {
	defer close(l.done)

	stop := context.AfterFunc(ctx, func() { l.shutdown.Notify() })
	defer stop()

	fds, srcs := l.build()
	l.acknowledge()
	l.log.Debug("event loop started", "descriptors", len(fds)-2)

	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: poll: %w", err)
		}

		if fds[0].Revents != 0 {
			l.log.Debug("event loop stopping")
			return nil
		}

		rebuild := false
		if fds[1].Revents != 0 {
			drain(l.wake.FD())
			rebuild = true
		}

		for i := 2; i < len(fds); i++ {
			revents := fds[i].Revents
			if revents == 0 {
				continue
			}
			src := srcs[i]
			if revents&(unix.POLLNVAL|unix.POLLERR) != 0 {
				l.log.Warn("dropping broken descriptor", "queue", src.queue, "fd", fds[i].Fd, "kick", src.kick)
				fds[i].Fd = -1
				continue
			}
			n := drain(int(fds[i].Fd))
			if n == 0 {
				continue
			}
			if src.kick {
				for k := uint64(0); k < n; k++ {
					l.handler.OnKick(src.queue)
				}
			} else {
				l.handler.OnCall(src.queue)
			}
		}

		if rebuild {
			fds, srcs = l.build()
			l.acknowledge()
		}
	}
}

// drain reads and resets the counter of a nonblocking eventfd. Zero means
// there was nothing to read.
func drain(fd int) uint64 {
	var buf [8]byte
	for {
		n, err := unix.Read(fd, buf[:])
		switch {
		case err == nil && n == len(buf):
			return binary.NativeEndian.Uint64(buf[:])
		case err == nil:
			return 0
		case errors.Is(err, unix.EINTR):
			continue
		default:
			// EAGAIN: already drained
			return 0
		}
	}
}
