package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	collections "github.com/golang-collections/collections/queue"
	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/domain"
	"dev.forensix.extract-engine/internal/core/ports"
)

// Direction restricts a socket queue to one side of the transfer.
type Direction int

const (
	// PushOnly queues accept Push; Pop fails with ErrNotSupported.
	PushOnly Direction = iota
	// PullOnly queues accept Pop; Push fails with ErrNotSupported.
	PullOnly
)

// Mode selects the socket role.
type Mode int

const (
	// Bind listens on a loopback port.
	Bind Mode = iota
	// Connect dials a known loopback port.
	Connect
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultRecvTimeout = 5 * time.Second
	defaultLinger      = 2 * time.Second
	dialTimeout        = 5 * time.Second

	// maxFrameSize guards the reader against corrupt length prefixes.
	maxFrameSize = 16 << 20
)

// SocketOptions configures a socket queue.
type SocketOptions struct {
	Direction Direction
	Mode      Mode
	// Port is the loopback port to bind or connect to. 0 picks a random
	// port in bind mode and is rejected in connect mode.
	Port int
	// BufferSize bounds the number of buffered items. 0 requests
	// unbounded and is capped to the platform ceiling.
	BufferSize int
	// SendTimeout bounds a blocking Push.
	SendTimeout time.Duration
	// RecvTimeout bounds a Pop.
	RecvTimeout time.Duration
	// Linger is how long Close waits for queued-but-unsent items to
	// drain before tearing the socket down.
	Linger time.Duration
	// DelayOpen defers socket creation until Open or first use, so an
	// unbound queue descriptor can be handed to a not-yet-spawned
	// worker.
	DelayOpen bool
}

// SocketQueue is the point-to-point loopback TCP backend. One queue
// instance owns one port; each message frame carries one serialized
// item with a 4-byte big-endian length prefix.
type SocketQueue struct {
	opts   SocketOptions
	logger ports.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	outbound *collections.Queue
	outCount int
	opened   bool
	closed   bool
	aborted  bool
	port     int
	listener net.Listener
	conns    []net.Conn

	closedCh    chan struct{}
	inbound     chan domain.QueueItem
	drained     chan struct{}
	drainedOnce sync.Once
}

var _ ports.WorkQueue = (*SocketQueue)(nil)

// NewSocketQueue validates the options and, unless DelayOpen is set,
// creates the socket immediately. A connect-mode queue without a port
// fails fast with ErrMissingPort.
func NewSocketQueue(opts SocketOptions, logger ports.Logger) (*SocketQueue, error) {
	if opts.Mode == Connect && opts.Port == 0 {
		return nil, domain.ErrMissingPort
	}
	if opts.BufferSize <= 0 {
		logger.Warn("unbounded socket queue requested, capping buffer",
			"buffer_size", maxBoundedCapacity)
		opts.BufferSize = maxBoundedCapacity
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = defaultRecvTimeout
	}
	if opts.Linger <= 0 {
		opts.Linger = defaultLinger
	}

	q := &SocketQueue{
		opts:     opts,
		logger:   logger.With("component", "socket_queue"),
		outbound: collections.New(),
		closedCh: make(chan struct{}),
		inbound:  make(chan domain.QueueItem, opts.BufferSize),
		drained:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	if !opts.DelayOpen {
		if err := q.Open(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Open creates the socket. It is a no-op on an already open queue and
// is called implicitly by the first Push or Pop when DelayOpen is set.
func (q *SocketQueue) Open() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.openLocked()
}

func (q *SocketQueue) openLocked() error {
	if q.opened {
		return nil
	}
	if q.closed {
		return domain.ErrQueueClosed
	}

	switch q.opts.Mode {
	case Bind:
		lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", q.opts.Port))
		if err != nil {
			return errors.Wrap(err, "bind socket queue")
		}
		q.listener = lis
		q.port = lis.Addr().(*net.TCPAddr).Port
		go q.acceptLoop(lis)
	case Connect:
		conn, err := net.DialTimeout("tcp",
			fmt.Sprintf("127.0.0.1:%d", q.opts.Port), dialTimeout)
		if err != nil {
			return errors.Wrap(err, "connect socket queue")
		}
		q.port = q.opts.Port
		q.conns = append(q.conns, conn)
		q.startPeerLocked(conn)
	}

	q.opened = true
	q.logger.Debug("socket queue open",
		"mode", q.opts.Mode, "direction", q.opts.Direction, "port", q.port)
	return nil
}

// Port returns the bound or target loopback port, 0 before Open.
func (q *SocketQueue) Port() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.port
}

func (q *SocketQueue) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			conn.Close()
			return
		}
		q.conns = append(q.conns, conn)
		q.startPeerLocked(conn)
		q.mu.Unlock()
	}
}

// startPeerLocked starts the role loop for one connection. Callers
// hold q.mu.
func (q *SocketQueue) startPeerLocked(conn net.Conn) {
	if q.opts.Direction == PushOnly {
		go q.writeLoop(conn)
	} else {
		go q.readLoop(conn)
	}
}

// writeLoop drains the outbound buffer onto one connection.
func (q *SocketQueue) writeLoop(conn net.Conn) {
	for {
		q.mu.Lock()
		for q.outCount == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.outCount == 0 && q.closed {
			q.mu.Unlock()
			q.signalDrained()
			return
		}
		item := q.outbound.Dequeue().(domain.QueueItem)
		q.outCount--
		q.cond.Broadcast()
		q.mu.Unlock()

		_ = conn.SetWriteDeadline(time.Now().Add(q.opts.SendTimeout))
		if err := writeFrame(conn, item); err != nil {
			// The item stays in local custody; another connection's
			// write loop picks it up.
			q.mu.Lock()
			if !q.closed {
				q.outbound.Enqueue(item)
				q.outCount++
				q.cond.Broadcast()
			}
			q.mu.Unlock()
			q.logger.Warn("requeueing item after send failure", "error", err)
			return
		}
	}
}

// readLoop feeds frames from one connection into the inbound buffer.
func (q *SocketQueue) readLoop(conn net.Conn) {
	for {
		item, err := readFrame(conn)
		if err != nil {
			return
		}
		select {
		case q.inbound <- item:
		case <-q.closedCh:
			return
		}
	}
}

// Push enqueues an item for transmission. Only valid on push-only
// queues.
func (q *SocketQueue) Push(item domain.QueueItem, block bool) error {
	if q.opts.Direction != PushOnly {
		return domain.ErrNotSupported
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if err := q.openLocked(); err != nil {
		return err
	}

	deadline := time.Now().Add(q.opts.SendTimeout)
	for q.outCount >= q.opts.BufferSize && !q.closed {
		if !block {
			return domain.ErrQueueFull
		}
		if !q.waitUntilLocked(deadline) {
			return domain.ErrQueueFull
		}
	}
	if q.closed {
		return domain.ErrQueueClosed
	}

	q.outbound.Enqueue(item)
	q.outCount++
	q.cond.Broadcast()
	return nil
}

// waitUntilLocked waits on the condition with a deadline. It reports
// false once the deadline has passed. Callers hold q.mu.
func (q *SocketQueue) waitUntilLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// Pop receives an item. Only valid on pull-only queues.
func (q *SocketQueue) Pop() (domain.QueueItem, error) {
	if q.opts.Direction != PullOnly {
		return domain.QueueItem{}, domain.ErrNotSupported
	}

	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return domain.QueueItem{}, domain.ErrQueueClosed
	}
	if err := q.openLocked(); err != nil {
		q.mu.Unlock()
		return domain.QueueItem{}, err
	}
	q.mu.Unlock()

	timer := time.NewTimer(q.opts.RecvTimeout)
	defer timer.Stop()

	select {
	case item := <-q.inbound:
		return item, nil
	case <-q.closedCh:
		select {
		case item := <-q.inbound:
			return item, nil
		default:
			return domain.QueueItem{}, domain.ErrQueueClosed
		}
	case <-timer.C:
		return domain.QueueItem{}, domain.ErrQueueEmpty
	}
}

// Close shuts the queue down. A non-abort close of a push queue lingers
// for queued-but-unsent items before tearing the socket down; an abort
// close discards them. Double non-abort close returns
// ErrQueueAlreadyClosed.
func (q *SocketQueue) Close(abort bool) error {
	q.mu.Lock()
	if q.closed {
		if !abort {
			q.mu.Unlock()
			return domain.ErrQueueAlreadyClosed
		}
		q.aborted = true
		q.discardOutboundLocked()
		q.mu.Unlock()
		return nil
	}

	q.closed = true
	q.aborted = abort
	if abort {
		q.discardOutboundLocked()
	}
	pendingOut := q.outCount
	writersPossible := len(q.conns) > 0
	q.cond.Broadcast()
	close(q.closedCh)
	q.mu.Unlock()

	if pendingOut == 0 || !writersPossible {
		q.signalDrained()
	}

	if q.opts.Direction == PushOnly && !abort && pendingOut > 0 {
		select {
		case <-q.drained:
		case <-time.After(q.opts.Linger):
			q.logger.Warn("linger expired with unsent items", "remaining", q.outCountSnapshot())
		}
	}

	q.mu.Lock()
	if q.listener != nil {
		q.listener.Close()
	}
	for _, c := range q.conns {
		c.Close()
	}
	q.conns = nil
	q.mu.Unlock()
	return nil
}

func (q *SocketQueue) discardOutboundLocked() {
	for q.outCount > 0 {
		q.outbound.Dequeue()
		q.outCount--
	}
}

func (q *SocketQueue) outCountSnapshot() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outCount
}

func (q *SocketQueue) signalDrained() {
	q.drainedOnce.Do(func() { close(q.drained) })
}

// IsEmpty reports whether the local buffer holds no items.
func (q *SocketQueue) IsEmpty() bool {
	if q.opts.Direction == PushOnly {
		return q.outCountSnapshot() == 0
	}
	return len(q.inbound) == 0
}

// writeFrame serializes one item as a length-prefixed JSON frame.
func writeFrame(w io.Writer, item domain.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal queue item")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame.
func readFrame(r io.Reader) (domain.QueueItem, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return domain.QueueItem{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return domain.QueueItem{}, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return domain.QueueItem{}, err
	}
	var item domain.QueueItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return domain.QueueItem{}, errors.Wrap(err, "unmarshal queue item")
	}
	return item, nil
}
