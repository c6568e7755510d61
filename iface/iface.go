// Package iface multiplexes a single virtual network device across many
// TCP connections. It owns the packet pump goroutine, the connection
// table, and the per-port pending-accept queues, exposing a blocking
// Listener/Stream pair built on one shared mutex and condition
// variable rather than a channel per connection.
package iface

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/songgao/water"

	"github.com/soypat/nettcp/tcpctl"
	"github.com/soypat/nettcp/wire"
)

var (
	// ErrAddrInUse is returned by Bind when a listener already exists
	// for the requested port.
	ErrAddrInUse = errors.New("iface: address already in use")
	// ErrConnectionAborted is returned by Stream methods once the
	// connection has been removed from the interface's table, whether
	// by reset, timeout, or a completed close.
	ErrConnectionAborted = errors.New("iface: connection aborted")
	// ErrWouldBlock is returned by non-blocking call sites; currently
	// unused by Listener.Accept, which always blocks, but kept as the
	// sentinel the prototype's TcpListener::accept used so a future
	// non-blocking variant can return it without a breaking change.
	ErrWouldBlock = errors.New("iface: operation would block")
	// ErrInvalidInput flags a port of 0 or other malformed argument.
	ErrInvalidInput = errors.New("iface: invalid input")
	// ErrClosed is returned once the Interface itself has been closed,
	// and by Listener.Accept once its Listener has been closed.
	ErrClosed = errors.New("iface: interface closed")
)

// Quad is the four-tuple that identifies a TCP connection: the local
// and remote (address, port) pairs. It is a plain comparable struct so
// it can be used directly as a map key, unlike the prototype's Quad
// which hand-rolled a Hash implementation for Rust's HashMap.
type Quad struct {
	LocalIP    [4]byte
	RemoteIP   [4]byte
	LocalPort  uint16
	RemotePort uint16
}

const (
	mtu              = 1500
	retransmitLimit  = 5
	retransmitBase   = time.Second
	timeWaitDuration = 2 * 60 * time.Second // 2*MSL with MSL=60s, per RFC 793 §3.5
)

// device is the subset of *water.Interface the pump and writeLocked
// paths need. Factoring it out lets tests exercise the demultiplexing
// and state-machine wiring with an in-memory fake instead of a real
// TUN device, which requires elevated privileges to open.
type device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

type connEntry struct {
	conn    *tcpctl.Connection
	port    uint16
	retries int
	// retransmitTimer fires to resend lastSent if it goes unacknowledged.
	// Stopped and cleared as soon as the connection has nothing
	// outstanding (Connection.HasUnacked reports false).
	retransmitTimer *time.Timer
	lastSent        []byte
	// closeTimer is the 2*MSL TimeWait timer, independent of
	// retransmitTimer since a connection can enter TimeWait with its
	// final ACK still pending retransmission.
	closeTimer *time.Timer
	destroyed  bool
}

// Interface owns the TUN device, the connection table, and the
// per-port pending-accept queues. All state is guarded by mu; cond is
// broadcast whenever the table or a queue changes so blocked
// Listener.Accept/Stream.Read/Stream.Write calls can re-check their
// condition.
type Interface struct {
	dev device
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	conns   map[Quad]*connEntry
	pending map[uint16][]Quad
	closed  bool

	metrics *Collector

	localIP [4]byte
}

// Config configures a new Interface.
type Config struct {
	// LocalIP is stamped as the source address of every IPv4 datagram
	// this interface emits.
	LocalIP [4]byte
	// DeviceName requests a specific TUN device name; the empty string
	// lets the OS assign one, exactly as water.Config{Name: ""} does.
	DeviceName string
	Logger     *slog.Logger
}

// New opens a TUN device in packet-info-free mode (no link-layer
// framing, matching water.Config{DeviceType: water.TUN}) and starts the
// packet pump goroutine.
func New(cfg Config) (*Interface, error) {
	dev, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.DeviceName,
		},
	})
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ifc := &Interface{
		dev:     dev,
		log:     log,
		conns:   make(map[Quad]*connEntry),
		pending: make(map[uint16][]Quad),
		localIP: cfg.LocalIP,
		metrics: newCollector(),
	}
	ifc.cond = sync.NewCond(&ifc.mu)
	ifc.metrics.attach(ifc)
	go ifc.pump()
	return ifc, nil
}

// Close shuts down the packet pump and the underlying device.
func (ifc *Interface) Close() error {
	ifc.mu.Lock()
	ifc.closed = true
	ifc.mu.Unlock()
	ifc.cond.Broadcast()
	return ifc.dev.Close()
}

// Bind reserves port for incoming connections, returning a Listener
// that hands off each connection accepted on it (from the moment its
// SYN is answered) via Accept.
func (ifc *Interface) Bind(port uint16) (*Listener, error) {
	if port == 0 {
		return nil, ErrInvalidInput
	}
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if _, ok := ifc.pending[port]; ok {
		return nil, ErrAddrInUse
	}
	ifc.pending[port] = nil
	return &Listener{ifc: ifc, port: port}, nil
}

// pump is the interface's single reader goroutine: it decodes one
// datagram at a time, demultiplexes it to a connection or a pending
// accept queue, and broadcasts so blocked callers can proceed.
func (ifc *Interface) pump() {
	buf := make([]byte, mtu)
	for {
		n, err := ifc.dev.Read(buf)
		if err != nil {
			ifc.log.Error("tun read failed", slog.String("err", err.Error()))
			return
		}
		ifc.handleDatagram(buf[:n])
	}
}

func (ifc *Interface) handleDatagram(buf []byte) {
	if len(buf) < wire.SizeIPHeader {
		return
	}
	ip := wire.DecodeIPv4Header(buf)
	if ip.Protocol != wire.ProtoTCP {
		return
	}
	if int(ip.TotalLength) > len(buf) || int(ip.TotalLength) < wire.SizeIPHeader+wire.SizeTCPHeaderNoOptions {
		return
	}
	tcpBuf := buf[wire.SizeIPHeader:ip.TotalLength]
	tcp := wire.DecodeTCPHeader(tcpBuf)
	// Read the data offset bits directly: TCPHeader.OffsetInBytes panics
	// on offsets below 5 words, and such segments are dropped here.
	payloadStart := int(tcp.OffsetAndFlags[0]>>12) * 4
	if payloadStart < wire.SizeTCPHeaderNoOptions || payloadStart > len(tcpBuf) {
		return
	}
	payload := tcpBuf[payloadStart:]

	quad := Quad{
		LocalIP:    ip.Destination,
		RemoteIP:   ip.Source,
		LocalPort:  tcp.DestinationPort,
		RemotePort: tcp.SourcePort,
	}

	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.closed {
		return
	}

	if entry, ok := ifc.conns[quad]; ok {
		ifc.onPacket(quad, entry, tcp, payload)
		return
	}

	queue, listening := ifc.pending[tcp.DestinationPort]
	if !listening {
		return
	}
	conn, synack, err := tcpctl.Accept(ip, tcp, ifc.log)
	if err != nil {
		ifc.log.Debug("rejected connection attempt", slog.String("err", err.Error()))
		return
	}
	ifc.conns[quad] = &connEntry{conn: conn, port: tcp.DestinationPort}
	ifc.pending[tcp.DestinationPort] = append(queue, quad)
	ifc.writeLocked(synack)
	ifc.cond.Broadcast()
}

func (ifc *Interface) onPacket(quad Quad, entry *connEntry, tcp wire.TCPHeader, payload []byte) {
	resps, err := entry.conn.OnPacket(tcp, payload)
	for _, resp := range resps {
		ifc.writeLocked(resp)
	}
	if err != nil {
		if errors.Is(err, tcpctl.ErrReset) {
			ifc.destroyLocked(quad, entry)
			return
		}
		ifc.log.Debug("packet processing error", slog.String("err", err.Error()))
	}
	if !entry.conn.HasUnacked() {
		ifc.cancelRetransmit(entry)
	}
	if entry.conn.State() == tcpctl.StateTimeWait && entry.closeTimer == nil {
		entry.closeTimer = time.AfterFunc(timeWaitDuration, func() {
			ifc.mu.Lock()
			defer ifc.mu.Unlock()
			ifc.destroyLocked(quad, entry)
			ifc.cond.Broadcast()
		})
	}
	if entry.conn.State() == tcpctl.StateClosed {
		ifc.destroyLocked(quad, entry)
	}
	ifc.cond.Broadcast()
}

// writeLocked writes a fully-formed datagram to the device. Must be
// called with ifc.mu held; water.Interface's Write is itself safe to
// call concurrently with Read, but serializing through mu keeps
// retransmission bookkeeping simple.
func (ifc *Interface) writeLocked(buf []byte) {
	if _, err := ifc.dev.Write(buf); err != nil {
		ifc.log.Error("tun write failed", slog.String("err", err.Error()))
	}
}

func (ifc *Interface) cancelRetransmit(entry *connEntry) {
	if entry.retransmitTimer != nil {
		entry.retransmitTimer.Stop()
		entry.retransmitTimer = nil
	}
	entry.retries = 0
	entry.lastSent = nil
}

func (ifc *Interface) destroyLocked(quad Quad, entry *connEntry) {
	if entry.destroyed {
		return
	}
	entry.destroyed = true
	if entry.retransmitTimer != nil {
		entry.retransmitTimer.Stop()
	}
	if entry.closeTimer != nil {
		entry.closeTimer.Stop()
	}
	delete(ifc.conns, quad)
}

// scheduleRetransmit arms (or rearms) the retransmission timer for a
// connection's most recently sent unacknowledged segment. Exceeding
// retransmitLimit aborts the connection, matching spec's "suggested
// >=5 attempts" guidance with exponential backoff from retransmitBase.
func (ifc *Interface) scheduleRetransmit(quad Quad, entry *connEntry) {
	if entry.retransmitTimer != nil {
		entry.retransmitTimer.Stop()
	}
	backoff := retransmitBase << entry.retries
	entry.retransmitTimer = time.AfterFunc(backoff, func() {
		ifc.mu.Lock()
		defer ifc.mu.Unlock()
		if entry.destroyed {
			return
		}
		entry.retries++
		if entry.retries > retransmitLimit {
			ifc.log.Error("retransmission limit exceeded, aborting connection",
				slog.Int("port", int(entry.port)))
			ifc.destroyLocked(quad, entry)
			ifc.cond.Broadcast()
			return
		}
		if entry.lastSent != nil {
			ifc.writeLocked(entry.lastSent)
		}
		ifc.scheduleRetransmit(quad, entry)
	})
}

// waitOrDone is used internally by Listener/Stream to block on ifc.cond
// with a context-aware wakeup, since sync.Cond has no native ctx support.
func (ifc *Interface) waitOrDone(ctx context.Context, ready func() bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		ifc.mu.Lock()
		close(done)
		ifc.cond.Broadcast()
		ifc.mu.Unlock()
	})
	defer stop()
	for !ready() {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		ifc.cond.Wait()
	}
	return nil
}
