package iface

import (
	"context"
	"errors"
	"io"

	"github.com/soypat/nettcp/tcpctl"
)

// Stream is a single established TCP connection's read/write handle,
// the equivalent of the prototype's TcpStream. All blocking is done
// against the owning Interface's shared mutex and condition variable.
type Stream struct {
	ifc  *Interface
	quad Quad
}

func (s *Stream) entry() (*connEntry, bool) {
	e, ok := s.ifc.conns[s.quad]
	return e, ok
}

// Read blocks until at least one byte of application data is available,
// the remote has sent FIN (io.EOF), the connection is aborted, or ctx is
// done.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.ifc.mu.Lock()
	defer s.ifc.mu.Unlock()

	for {
		entry, ok := s.entry()
		if !ok {
			return 0, ErrConnectionAborted
		}
		n, err := entry.conn.Read(p)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if !errors.Is(err, tcpctl.ErrNoData) {
			return 0, err
		}
		// No data buffered yet and the remote hasn't sent FIN; wait
		// for the pump to deliver more, for FIN to arrive, or for the
		// connection to go away.
		waitErr := s.ifc.waitOrDone(ctx, func() bool {
			entry, ok := s.entry()
			if !ok {
				return true
			}
			return s.ifc.closed || entry.conn.HasIncoming() || entry.conn.PeerClosed()
		})
		if waitErr != nil {
			return 0, waitErr
		}
	}
}

// Write blocks until all of p has been accepted into the connection's
// send buffer (subject to the remote's advertised window), the
// connection is aborted, or ctx is done.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.ifc.mu.Lock()
	defer s.ifc.mu.Unlock()

	var total int
	for total < len(p) {
		entry, ok := s.entry()
		if !ok {
			return total, ErrConnectionAborted
		}
		n, out, err := entry.conn.Write(p[total:])
		if err != nil {
			return total, err
		}
		if out != nil {
			s.ifc.writeLocked(out)
			entry.lastSent = out
			s.ifc.scheduleRetransmit(s.quad, entry)
		}
		total += n
		if n > 0 {
			continue
		}
		// Remote window is exhausted; wait for an ACK to open it back
		// up or for the connection to go away.
		waitErr := s.ifc.waitOrDone(ctx, func() bool {
			entry, ok := s.entry()
			if !ok {
				return true
			}
			return s.ifc.closed || entry.conn.HasSendSpace()
		})
		if waitErr != nil {
			return total, waitErr
		}
	}
	return total, nil
}

// Flush blocks until every byte accepted by a prior Write has been
// cumulatively acknowledged by the remote, or the connection goes away.
func (s *Stream) Flush() error {
	s.ifc.mu.Lock()
	defer s.ifc.mu.Unlock()

	ready := func() bool {
		entry, ok := s.entry()
		if !ok {
			return true
		}
		return !entry.conn.HasUnacked()
	}
	if err := s.ifc.waitOrDone(context.Background(), ready); err != nil {
		return err
	}
	if _, ok := s.entry(); !ok {
		return ErrConnectionAborted
	}
	return nil
}

// Shutdown initiates an active close (sends FIN) and returns once the
// FIN has been handed to the device; it does not wait for the
// connection to fully close.
func (s *Stream) Shutdown() error {
	s.ifc.mu.Lock()
	defer s.ifc.mu.Unlock()
	entry, ok := s.entry()
	if !ok {
		return ErrConnectionAborted
	}
	buf, err := entry.conn.Close()
	if err != nil {
		return err
	}
	s.ifc.writeLocked(buf)
	entry.lastSent = buf
	s.ifc.scheduleRetransmit(s.quad, entry)
	return nil
}
