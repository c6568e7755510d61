package tcpctl

// State enumerates states a TCP connection progresses through during its
// lifetime, per RFC 793 §3.2. Only the subset reachable from a passive
// open without simultaneous-open or half-close asymmetry is ever
// instantiated on a Connection; the remaining constants document the
// fuller state set a future active-open implementation would need.
type State uint8

const (
	// StateClosed represents no connection state at all.
	StateClosed State = iota
	// StateListen represents waiting for a connection request from any
	// remote TCP and port. Never set on a Connection: listening is
	// purely a property of which ports an Interface has bound.
	StateListen
	// StateSynSent represents waiting for a matching connection request
	// after having sent a connection request. Unused: this module only
	// implements passive open.
	StateSynSent
	// StateSynRcvd represents waiting for a confirming connection
	// request acknowledgment after having both received and sent a
	// connection request.
	StateSynRcvd
	// StateEstablished represents an open connection; data received can
	// be delivered to the user. The normal state for the data transfer
	// phase of the connection.
	StateEstablished
	// StateFinWait1 represents waiting for a connection termination
	// request from the remote TCP, or an acknowledgment of the
	// connection termination request previously sent.
	StateFinWait1
	// StateFinWait2 represents waiting for a connection termination
	// request from the remote TCP.
	StateFinWait2
	// StateClosing represents waiting for a connection termination
	// request acknowledgment from the remote TCP. Unused: reached only
	// via simultaneous close, which this module does not implement.
	StateClosing
	// StateTimeWait represents waiting for enough time to pass to be
	// sure the remote TCP received the acknowledgment of its connection
	// termination request.
	StateTimeWait
	// StateCloseWait represents waiting for a connection termination
	// request from the local user. Entered from StateEstablished when the
	// remote sends FIN (passive close).
	StateCloseWait
	// StateLastAck represents waiting for an acknowledgment of the
	// connection termination request previously sent to the remote TCP.
	// Entered when Connection.Close is called in StateCloseWait.
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "UNKNOWN"
	}
}

// synchronized reports whether a segment's ACK field is meaningful in
// this state, per the is_synchronized check in the Rust prototype this
// module is derived from.
func (s State) synchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2,
		StateClosing, StateTimeWait, StateCloseWait, StateLastAck:
		return true
	default:
		return false
	}
}

// sendSpace contains Send Sequence Space data (RFC 793 §3.2 figure 4).
//
//	1         2          3          4
//	----------|----------|----------|----------
//	       SND.UNA    SND.NXT    SND.UNA
//	                            +SND.WND
//	1. old sequence numbers which have been acknowledged
//	2. sequence numbers of unacknowledged data
//	3. sequence numbers allowed for new data transmission
//	4. future sequence numbers which are not yet allowed
type sendSpace struct {
	ISS uint32 // initial send sequence number
	UNA uint32 // send unacknowledged
	NXT uint32 // send next
	WND uint32 // send window
	UP  bool   // send urgent pointer (deprecated, always false)
	WL1 uint32 // segment sequence number used for last window update
	WL2 uint32 // segment acknowledgment number used for last window update
}

// recvSpace contains Receive Sequence Space data (RFC 793 §3.2 figure 5).
//
//	1          2          3
//	----------|----------|----------
//	       RCV.NXT    RCV.NXT
//	                  +RCV.WND
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers allowed for new reception
//	3 - future sequence numbers which are not yet allowed
type recvSpace struct {
	IRS uint32 // initial receive sequence number
	NXT uint32 // receive next
	WND uint32 // receive window
	UP  bool   // receive urgent pointer (deprecated, always false)
}
