package tcpctl

import (
	"bytes"
	"testing"

	"github.com/soypat/nettcp/wire"
)

var (
	localAddr  = [4]byte{192, 168, 1, 5}
	remoteAddr = [4]byte{192, 168, 1, 112}
)

func synSegment(seq uint32, wnd uint16) (wire.IPv4Header, wire.TCPHeader) {
	ip := wire.NewIPv4Header(remoteAddr, localAddr)
	tcp := wire.TCPHeader{
		SourcePort:      58920,
		DestinationPort: 80,
		Seq:             seq,
		WindowSize:      wnd,
	}
	tcp.SetOffset(5)
	tcp.SetFlags(wire.FlagTCP_SYN)
	return ip, tcp
}

func decode(t *testing.T, buf []byte) (wire.IPv4Header, wire.TCPHeader, []byte) {
	t.Helper()
	if len(buf) < wire.SizeIPHeader+wire.SizeTCPHeaderNoOptions {
		t.Fatalf("response too short: %d bytes", len(buf))
	}
	ip := wire.DecodeIPv4Header(buf)
	tcp := wire.DecodeTCPHeader(buf[wire.SizeIPHeader:])
	payload := buf[wire.SizeIPHeader+int(tcp.OffsetInBytes()):ip.TotalLength]
	return ip, tcp, payload
}

func TestAcceptSendsSynAck(t *testing.T) {
	ip, tcp := synSegment(1000, 64240)
	conn, resp, err := Accept(ip, tcp, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateSynRcvd {
		t.Fatalf("state = %s, want SYN-RECEIVED", conn.State())
	}
	rip, rtcp, payload := decode(t, resp)
	if len(payload) != 0 {
		t.Errorf("SYN-ACK should carry no payload, got %d bytes", len(payload))
	}
	if !rtcp.Flags().Has(wire.FlagTCP_SYN) || !rtcp.Flags().Has(wire.FlagTCP_ACK) {
		t.Errorf("expected SYN|ACK, got %s", rtcp.Flags())
	}
	if rtcp.Ack != tcp.Seq+1 {
		t.Errorf("ack = %d, want %d", rtcp.Ack, tcp.Seq+1)
	}
	if rtcp.WindowSize != 10 {
		t.Errorf("window = %d, want 10 (fixed receive window, independent of peer's advertised window)", rtcp.WindowSize)
	}
	if rip.Source != localAddr || rip.Destination != remoteAddr {
		t.Errorf("unexpected response addressing: %s", rip.String())
	}
}

func TestAcceptRejectsNonSyn(t *testing.T) {
	ip, tcp := synSegment(1000, 64240)
	tcp.SetFlags(wire.FlagTCP_ACK)
	_, _, err := Accept(ip, tcp, nil)
	if err != ErrNotSyn {
		t.Fatalf("err = %v, want ErrNotSyn", err)
	}
}

func establish(t *testing.T) *Connection {
	t.Helper()
	ip, tcp := synSegment(1000, 64240)
	conn, synack, err := Accept(ip, tcp, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, synackTCP, _ := decode(t, synack)

	ackTCP := wire.TCPHeader{
		SourcePort:      tcp.SourcePort,
		DestinationPort: tcp.DestinationPort,
		Seq:             tcp.Seq + 1,
		Ack:             synackTCP.Seq + 1,
		WindowSize:      64240,
	}
	ackTCP.SetOffset(5)
	ackTCP.SetFlags(wire.FlagTCP_ACK)

	resp, err := conn.OnPacket(ackTCP, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 0 {
		t.Errorf("bare ACK completing handshake should not provoke a response, got %d", len(resp))
	}
	if conn.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", conn.State())
	}
	return conn
}

func TestHandshakeReachesEstablished(t *testing.T) {
	establish(t)
}

func TestEstablishedDataIsDeliveredAndAcked(t *testing.T) {
	conn := establish(t)

	data := []byte("hello")
	dataTCP := wire.TCPHeader{
		SourcePort:      58920,
		DestinationPort: 80,
		Seq:             conn.rcv.NXT,
		Ack:             conn.snd.NXT,
		WindowSize:      64240,
	}
	dataTCP.SetOffset(5)
	dataTCP.SetFlags(wire.FlagTCP_ACK | wire.FlagTCP_PSH)

	resp, err := conn.OnPacket(dataTCP, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected one ACK in response, got %d", len(resp))
	}
	_, acktcp, _ := decode(t, resp[0])
	if acktcp.Ack != dataTCP.Seq+uint32(len(data)) {
		t.Errorf("ack = %d, want %d", acktcp.Ack, dataTCP.Seq+uint32(len(data)))
	}
	if acktcp.Seq != 1 {
		t.Errorf("ack segment seq = %d, want 1 (iss=0, one sequence number consumed by SYN)", acktcp.Seq)
	}

	got := make([]byte, len(data))
	n, err := conn.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) || !bytes.Equal(got[:n], data) {
		t.Errorf("Read = %q, want %q", got[:n], data)
	}
}

func TestWriteAppearsInOutboundSegment(t *testing.T) {
	conn := establish(t)

	seqAtCall := conn.snd.NXT
	n, out, err := conn.Write([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("Write returned n=%d, want 3", n)
	}
	_, tcp, payload := decode(t, out)
	if tcp.Seq != seqAtCall {
		t.Errorf("outbound seq = %d, want %d (snd.nxt at call time)", tcp.Seq, seqAtCall)
	}
	if !bytes.Equal(payload, []byte("abc")) {
		t.Errorf("outbound payload = %q, want %q", payload, "abc")
	}
	if conn.snd.NXT != seqAtCall+3 {
		t.Errorf("snd.NXT = %d, want %d", conn.snd.NXT, seqAtCall+3)
	}
}

func TestAckInEstablishedAdvancesUnaAndDrainsUnacked(t *testing.T) {
	conn := establish(t)

	_, _, err := conn.Write([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if conn.unacked.Buffered() != 3 {
		t.Fatalf("unacked.Buffered() = %d, want 3 before any ack", conn.unacked.Buffered())
	}

	ackOfWrite := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: conn.rcv.NXT, Ack: conn.snd.NXT, WindowSize: 64240,
	}
	ackOfWrite.SetOffset(5)
	ackOfWrite.SetFlags(wire.FlagTCP_ACK)
	if _, err := conn.OnPacket(ackOfWrite, nil); err != nil {
		t.Fatal(err)
	}

	if conn.snd.UNA != conn.snd.NXT {
		t.Errorf("snd.UNA = %d, want %d (caught up to snd.NXT)", conn.snd.UNA, conn.snd.NXT)
	}
	if conn.unacked.Buffered() != 0 {
		t.Errorf("unacked.Buffered() = %d, want 0 after cumulative ack", conn.unacked.Buffered())
	}
}

func TestActiveCloseReachesTimeWait(t *testing.T) {
	conn := establish(t)

	finBuf, err := conn.Close()
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateFinWait1 {
		t.Fatalf("state = %s, want FIN-WAIT-1", conn.State())
	}
	_, finTCP, _ := decode(t, finBuf)

	// Remote acks our FIN.
	ackTCP := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: conn.rcv.NXT, Ack: finTCP.Seq + 1, WindowSize: 64240,
	}
	ackTCP.SetOffset(5)
	ackTCP.SetFlags(wire.FlagTCP_ACK)
	if _, err := conn.OnPacket(ackTCP, nil); err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateFinWait2 {
		t.Fatalf("state = %s, want FIN-WAIT-2", conn.State())
	}

	// Remote sends its own FIN.
	finTCP2 := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: conn.rcv.NXT, Ack: conn.snd.NXT, WindowSize: 64240,
	}
	finTCP2.SetOffset(5)
	finTCP2.SetFlags(wire.FlagTCP_FIN | wire.FlagTCP_ACK)
	resp, err := conn.OnPacket(finTCP2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected final ACK, got %d segments", len(resp))
	}
	if conn.State() != StateTimeWait {
		t.Fatalf("state = %s, want TIME-WAIT", conn.State())
	}
}

func TestUnacceptableSegmentElicitsBareAck(t *testing.T) {
	conn := establish(t)

	stray := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: conn.rcv.NXT + 69000, Ack: conn.snd.NXT, WindowSize: 64240,
	}
	stray.SetOffset(5)
	stray.SetFlags(wire.FlagTCP_ACK)

	resp, err := conn.OnPacket(stray, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected one bare ACK in response, got %d", len(resp))
	}
	_, acktcp, payload := decode(t, resp[0])
	if len(payload) != 0 {
		t.Errorf("bare ACK should carry no payload, got %d bytes", len(payload))
	}
	if acktcp.Ack != conn.rcv.NXT {
		t.Errorf("ack = %d, want %d (rcv.nxt unchanged)", acktcp.Ack, conn.rcv.NXT)
	}
	if conn.State() != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED (unacceptable segment must not change state)", conn.State())
	}
}

func TestUnacceptableSegmentWithUnacceptableAckElicitsChallengeAck(t *testing.T) {
	conn := establish(t)

	// Out-of-window sequence number AND an ack acknowledging data never
	// sent: acceptability must be checked first, so this still gets a
	// challenge ACK rather than a reset or a silent drop.
	stray := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: conn.rcv.NXT + 69000, Ack: conn.snd.NXT + 500, WindowSize: 64240,
	}
	stray.SetOffset(5)
	stray.SetFlags(wire.FlagTCP_ACK)

	resp, err := conn.OnPacket(stray, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected one challenge ACK in response, got %d", len(resp))
	}
	_, acktcp, _ := decode(t, resp[0])
	if acktcp.Flags().Has(wire.FlagTCP_RST) {
		t.Errorf("expected a bare ACK, not a reset, for an out-of-window segment")
	}
	if conn.State() != StateEstablished {
		t.Errorf("state = %s, want ESTABLISHED", conn.State())
	}
}

func TestUnacceptableAckOnUnsynchronizedStateSendsReset(t *testing.T) {
	ip, tcp := synSegment(1000, 64240)
	conn, _, err := Accept(ip, tcp, nil)
	if err != nil {
		t.Fatal(err)
	}
	badAck := wire.TCPHeader{
		SourcePort: 58920, DestinationPort: 80,
		Seq: tcp.Seq + 1, Ack: 0xdeadbeef, WindowSize: 64240,
	}
	badAck.SetOffset(5)
	badAck.SetFlags(wire.FlagTCP_ACK)
	resp, err := conn.OnPacket(badAck, nil)
	if err != ErrReset {
		t.Fatalf("err = %v, want ErrReset", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected an RST segment, got %d", len(resp))
	}
	_, rst, _ := decode(t, resp[0])
	if !rst.Flags().Has(wire.FlagTCP_RST) {
		t.Errorf("expected RST flag, got %s", rst.Flags())
	}
	if rst.Seq != badAck.Ack {
		t.Errorf("rst.Seq = %d, want %d (seg.ack)", rst.Seq, badAck.Ack)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", conn.State())
	}
}
