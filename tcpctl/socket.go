// Package tcpctl implements the per-connection TCP control block: the
// send/receive sequence spaces, the RFC 793 state machine, and the wire
// encoding of outgoing segments. It has no notion of sockets, ports, or
// a device; that plumbing belongs to the iface package, which feeds
// decoded headers in through OnPacket and writes the returned byte
// slices out to the network device unmodified.
package tcpctl

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/soypat/nettcp/wire"
)

var (
	// ErrNotSyn is returned by Accept when the segment offered to start
	// a connection does not carry the SYN flag.
	ErrNotSyn = errors.New("tcpctl: segment does not carry SYN")
	// ErrReset is returned by OnPacket when the remote sent RST or an
	// unacceptable segment forced a reset; the caller must discard the
	// connection.
	ErrReset = errors.New("tcpctl: connection reset")
	// ErrNotEstablished is returned by Close when the connection has not
	// reached a state from which an active close can be initiated.
	ErrNotEstablished = errors.New("tcpctl: connection not established")
	// ErrSegmentTooLarge is returned by send when payload plus headers
	// would exceed maxFrame. Write trims its payload to fit, so it does
	// not surface this error.
	ErrSegmentTooLarge = errors.New("tcpctl: segment exceeds maximum frame size")
	// ErrNoData is returned by Read when the incoming buffer is
	// momentarily empty but the remote has not sent FIN, distinguishing
	// "nothing yet" from the io.EOF returned once it has.
	ErrNoData = errors.New("tcpctl: no data available")
)

// maxFrame bounds the IPv4 datagrams this module emits; it matches the
// default Ethernet-derived MTU the original prototype assumed, even
// though this module never touches a link layer directly.
const maxFrame = 1500

// defaultRingSize is the per-direction buffer capacity for newly
// accepted connections.
const defaultRingSize = 1 << 16

// fixedRecvWindow is the receive window this module always advertises,
// matching the prototype's TcpHeader::new(..., wnd=10): the window
// never grows past what a handshake's SYN-ACK carries.
const fixedRecvWindow = 10

// segment is the subset of an incoming TCP header relevant to sequence
// number bookkeeping, with len already folded in as the RFC 793 "SEG.LEN"
// quantity (data octets plus one for each of SYN and FIN present).
type segment struct {
	seq, ack, wnd uint32
	flags         wire.TCPFlags
	len           uint32
	data          []byte
}

func segmentOf(tcp *wire.TCPHeader, payload []byte) segment {
	slen := uint32(len(payload))
	flags := tcp.Flags()
	if flags.Has(wire.FlagTCP_SYN) {
		slen++
	}
	if flags.Has(wire.FlagTCP_FIN) {
		slen++
	}
	return segment{
		seq:   tcp.Seq,
		ack:   tcp.Ack,
		wnd:   uint32(tcp.WindowSize),
		flags: flags,
		len:   slen,
		data:  payload,
	}
}

// Connection is a single TCP control block. All exported methods except
// Acceptable lock c.mu and are safe for concurrent use; callers (the
// iface pump goroutine and a Stream's Read/Write) serialize through the
// same mutex. Acceptable takes no lock and is called by OnPacket with
// c.mu already held.
type Connection struct {
	mu    sync.Mutex
	state State
	snd   sendSpace
	rcv   recvSpace

	ipHeader  wire.IPv4Header
	tcpHeader wire.TCPHeader

	incoming *byteRing // delivered, unread application data
	unacked  *byteRing // written, unacknowledged application data

	// finRecvd records whether the remote has sent FIN, so Read can
	// distinguish a momentarily empty buffer from a connection that
	// will never deliver more data.
	finRecvd bool

	logger
}

// Accept processes an incoming SYN against a bound but otherwise
// unconnected port, mirroring Connection::accept in the prototype this
// module descends from: ISS is fixed at 0 (a deliberate deviation from
// RFC 6528's unpredictable ISS selection), the advertised receive window is fixed at
// fixedRecvWindow rather than mirroring the peer's SYN window, and the
// SYN determines the initial receive sequence space. The SYN/ACK to
// send back is returned ready to write to the device.
func Accept(ip wire.IPv4Header, tcp wire.TCPHeader, log *slog.Logger) (*Connection, []byte, error) {
	if !tcp.Flags().Has(wire.FlagTCP_SYN) {
		return nil, nil, ErrNotSyn
	}
	const iss = 0
	c := &Connection{
		state: StateSynRcvd,
		snd: sendSpace{
			ISS: iss,
			UNA: iss,
			NXT: iss,
			WND: 10,
		},
		rcv: recvSpace{
			IRS: tcp.Seq,
			NXT: tcp.Seq + 1,
			WND: fixedRecvWindow,
		},
		ipHeader:  wire.NewIPv4Header(ip.Destination, ip.Source),
		tcpHeader: wire.TCPHeader{SourcePort: tcp.DestinationPort, DestinationPort: tcp.SourcePort},
		incoming:  newByteRing(defaultRingSize),
		unacked:   newByteRing(defaultRingSize),
		logger:    logger{log: log},
	}
	resp, err := c.send(wire.FlagTCP_SYN|wire.FlagTCP_ACK, nil)
	if err != nil {
		return nil, nil, err
	}
	c.trace("accepted SYN", slog.String("state", c.state.String()))
	return c, resp, nil
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// send stamps the current send/receive sequence numbers onto the
// connection's header templates, serializes an IPv4+TCP datagram
// carrying payload, and advances SND.NXT by the number of sequence
// numbers the segment consumes (payload length, plus one each for SYN
// and FIN). Must be called with c.mu held.
func (c *Connection) send(flags wire.TCPFlags, payload []byte) ([]byte, error) {
	total := wire.SizeIPHeader + wire.SizeTCPHeaderNoOptions + len(payload)
	if total > maxFrame {
		return nil, ErrSegmentTooLarge
	}

	c.tcpHeader.Seq = c.snd.NXT
	c.tcpHeader.Ack = c.rcv.NXT
	c.tcpHeader.SetOffset(5)
	c.tcpHeader.SetFlags(flags)
	if c.rcv.WND > 0xffff {
		c.tcpHeader.WindowSize = 0xffff
	} else {
		c.tcpHeader.WindowSize = uint16(c.rcv.WND)
	}
	c.ipHeader.TotalLength = uint16(total)

	buf := make([]byte, total)
	c.ipHeader.Checksum = 0
	c.ipHeader.Put(buf[:wire.SizeIPHeader])
	c.ipHeader.Checksum = wire.IPChecksum(buf[:wire.SizeIPHeader])
	binaryPutUint16(buf[10:12], c.ipHeader.Checksum)

	c.tcpHeader.Checksum = 0
	tcpStart := wire.SizeIPHeader
	c.tcpHeader.Put(buf[tcpStart : tcpStart+wire.SizeTCPHeaderNoOptions])
	copy(buf[tcpStart+wire.SizeTCPHeaderNoOptions:], payload)
	c.tcpHeader.Checksum = wire.TCPChecksum(c.ipHeader.Source, c.ipHeader.Destination, buf[tcpStart:])
	binaryPutUint16(buf[tcpStart+16:tcpStart+18], c.tcpHeader.Checksum)

	c.snd.NXT += uint32(len(payload))
	if flags.Has(wire.FlagTCP_SYN) {
		c.snd.NXT++
	}
	if flags.Has(wire.FlagTCP_FIN) {
		c.snd.NXT++
	}
	return buf, nil
}

func binaryPutUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// SendRST builds a reset segment for this connection. Per the
// simplification this module inherits from its prototype, the RST
// carries seq=0, ack=0 rather than the RFC 793 "bad segment" sequencing
// rules for resets sent from non-synchronized states.
func (c *Connection) SendRST() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	saveSeq, saveAck := c.snd.NXT, c.rcv.NXT
	c.snd.NXT, c.rcv.NXT = 0, 0
	buf, err := c.send(wire.FlagTCP_RST, nil)
	c.snd.NXT, c.rcv.NXT = saveSeq, saveAck
	return buf, err
}

// acceptableAck reports whether ack falls in [SND.UNA, SND.NXT], the
// range of sequence numbers that acknowledge either nothing new (a
// duplicate or keepalive ack, ack == UNA) or some data that was in
// fact sent, without acknowledging data not yet sent.
func (c *Connection) acceptableAck(ack uint32) bool {
	return isBetweenWrapped(c.snd.UNA-1, ack, c.snd.NXT+1)
}

// updateSendWindow applies the RFC 793 §3.9 window update rule: the
// advertised window is only adopted from segments that are newer than
// whatever last updated it, using WL1/WL2 to break ties on duplicate
// sequence numbers so a delayed ACK can't roll the window backwards.
func (c *Connection) updateSendWindow(seg segment) {
	if wrappingLess(c.snd.WL1, seg.seq) ||
		(c.snd.WL1 == seg.seq && !wrappingLess(seg.ack, c.snd.WL2)) {
		c.snd.WND = seg.wnd
		c.snd.WL1 = seg.seq
		c.snd.WL2 = seg.ack
	}
}

// advanceUNA applies the general RFC 793 ACK-processing step common to
// every synchronized state: an acceptable ack advances SND.UNA and
// releases the now-confirmed prefix of unacked. Must be called with
// c.mu held, after acceptableAck has already confirmed ack falls in
// [SND.UNA, SND.NXT].
func (c *Connection) advanceUNA(ack uint32) {
	newlyAcked := ack - c.snd.UNA
	if newlyAcked == 0 {
		return
	}
	c.snd.UNA = ack
	discard := make([]byte, newlyAcked)
	c.unacked.Read(discard)
}

// Acceptable implements the RFC 793 §3.3 segment acceptability test.
// seg.len already folds in the SYN/FIN sequence-number consumption.
func (c *Connection) Acceptable(seg segment) bool {
	wend := c.rcv.NXT + c.rcv.WND
	if seg.len == 0 {
		if c.rcv.WND == 0 {
			return seg.seq == c.rcv.NXT
		}
		return isBetweenWrapped(c.rcv.NXT-1, seg.seq, wend)
	}
	if c.rcv.WND == 0 {
		return false
	}
	return isBetweenWrapped(c.rcv.NXT-1, seg.seq, wend) ||
		isBetweenWrapped(c.rcv.NXT-1, seg.seq+seg.len-1, wend)
}

// OnPacket feeds a received TCP segment through the state machine. It
// returns the raw bytes of any segment that must be written back to
// the device in response (zero or one: an ACK, or a RST alongside
// ErrReset). ErrReset signals the caller to discard the connection;
// any other non-nil error means the segment was silently dropped per
// spec and there is nothing to send.
func (c *Connection) OnPacket(tcp wire.TCPHeader, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg := segmentOf(&tcp, payload)

	if seg.flags.Has(wire.FlagTCP_RST) {
		c.state = StateClosed
		return nil, ErrReset
	}

	if !c.Acceptable(seg) {
		c.trace("dropped unacceptable segment", slog.Uint64("seq", uint64(seg.seq)))
		buf, err := c.send(wire.FlagTCP_ACK, nil)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}

	if !c.acceptableAck(seg.ack) {
		if !c.state.synchronized() {
			// RFC 793 §3.4: a reset sent in response to a segment
			// carrying an ACK takes its sequence number from that ACK
			// field, not from our own send sequence.
			c.snd.NXT = seg.ack
			buf, err := c.send(wire.FlagTCP_RST, nil)
			c.state = StateClosed
			if err != nil {
				return nil, err
			}
			return [][]byte{buf}, ErrReset
		}
		c.trace("dropped unacceptable ack", slog.Uint64("ack", uint64(seg.ack)))
		return nil, nil
	}

	c.updateSendWindow(seg)
	if seg.flags.Has(wire.FlagTCP_ACK) {
		c.advanceUNA(seg.ack)
	}

	var out [][]byte
	switch c.state {
	case StateSynRcvd:
		if !seg.flags.Has(wire.FlagTCP_ACK) {
			return nil, nil
		}
		c.state = StateEstablished

	case StateEstablished:
		out = c.recvEstablished(seg)

	case StateCloseWait:
		// Remote has nothing more to say once it has sent FIN; any
		// further segments are stray retransmissions, already acked.

	case StateFinWait1:
		if seg.flags.Has(wire.FlagTCP_ACK) && c.snd.UNA == c.snd.NXT {
			c.state = StateFinWait2
		}
		if seg.flags.Has(wire.FlagTCP_FIN) {
			c.rcv.NXT += seg.len
			c.finRecvd = true
			buf, err := c.send(wire.FlagTCP_ACK, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, buf)
			c.state = StateTimeWait
		}

	case StateFinWait2:
		if seg.flags.Has(wire.FlagTCP_FIN) {
			c.rcv.NXT += seg.len
			c.finRecvd = true
			buf, err := c.send(wire.FlagTCP_ACK, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, buf)
			c.state = StateTimeWait
		}

	case StateLastAck:
		if seg.flags.Has(wire.FlagTCP_ACK) && c.snd.UNA == c.snd.NXT {
			c.state = StateClosed
		}

	case StateTimeWait:
		if seg.flags.Has(wire.FlagTCP_FIN) {
			buf, err := c.send(wire.FlagTCP_ACK, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, buf)
		}

	default:
		c.logerr("unhandled state transition", slog.String("state", c.state.String()))
	}
	return out, nil
}

// recvEstablished folds newly arrived data into the incoming ring and
// handles a remote-initiated close. Must be called with c.mu held.
func (c *Connection) recvEstablished(seg segment) [][]byte {
	var out [][]byte
	if len(seg.data) > 0 {
		n, err := c.incoming.Write(seg.data)
		if err != nil {
			c.logerr("incoming buffer full, dropping data", slog.Int("dropped", len(seg.data)-n))
		}
		c.rcv.NXT += uint32(n)
	}
	if seg.flags.Has(wire.FlagTCP_FIN) {
		c.rcv.NXT++
		c.finRecvd = true
		c.state = StateCloseWait
	}
	buf, err := c.send(wire.FlagTCP_ACK, nil)
	if err == nil {
		out = append(out, buf)
	}
	return out
}

// Write accepts application data for transmission, copying as much of
// payload as fits in the unacked buffer, the advertised send window and
// a single maxFrame-sized datagram, and returns the wire bytes of the segment that carries it. Short
// writes are signaled by n < len(payload); the caller (Stream.Write)
// is responsible for retrying the remainder.
func (c *Connection) Write(payload []byte) (n int, out []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, nil, ErrNotEstablished
	}
	avail := int(c.sendSpace())
	if avail <= 0 {
		return 0, nil, nil
	}
	if len(payload) > avail {
		payload = payload[:avail]
	}
	if maxPayload := maxFrame - wire.SizeIPHeader - wire.SizeTCPHeaderNoOptions; len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	n, err = c.unacked.Write(payload)
	if err != nil {
		return 0, nil, err
	}
	out, err = c.send(wire.FlagTCP_ACK|wire.FlagTCP_PSH, payload[:n])
	return n, out, err
}

// sendSpace returns how many further octets may be sent without
// exceeding the remote-advertised window. Must be called with c.mu held.
func (c *Connection) sendSpace() uint32 {
	unacked := c.snd.NXT - c.snd.UNA
	if unacked >= c.snd.WND {
		return 0
	}
	return c.snd.WND - unacked
}

// HasUnacked reports whether any written data is still waiting on a
// cumulative ACK from the remote.
func (c *Connection) HasUnacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unacked.Buffered() > 0
}

// HasIncoming reports whether delivered application data is buffered
// and waiting to be drained by Read.
func (c *Connection) HasIncoming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming.Buffered() > 0
}

// HasSendSpace reports whether Write would currently accept at least
// one byte, i.e. the remote's advertised window is not exhausted.
func (c *Connection) HasSendSpace() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendSpace() > 0
}

// PeerClosed reports whether the remote has sent FIN.
func (c *Connection) PeerClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finRecvd
}

// Read drains delivered-but-unread application data into p. Once the
// remote has sent FIN and the incoming buffer is empty, Read reports
// io.EOF; until then, an empty buffer reports ErrNoData so callers can
// tell "nothing yet" from "nothing ever again".
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.incoming.Read(p)
	if err == nil {
		return n, nil
	}
	if c.finRecvd {
		return 0, io.EOF
	}
	return 0, ErrNoData
}

// Close initiates an active close: a FIN is sent and the connection
// moves to FIN-WAIT-1 (from ESTABLISHED) or LAST-ACK (from
// CLOSE-WAIT, i.e. the remote closed first).
func (c *Connection) Close() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		buf, err := c.send(wire.FlagTCP_FIN|wire.FlagTCP_ACK, nil)
		if err != nil {
			return nil, err
		}
		c.state = StateFinWait1
		return buf, nil
	case StateCloseWait:
		buf, err := c.send(wire.FlagTCP_FIN|wire.FlagTCP_ACK, nil)
		if err != nil {
			return nil, err
		}
		c.state = StateLastAck
		return buf, nil
	default:
		return nil, ErrNotEstablished
	}
}
