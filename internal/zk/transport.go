package zk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// -------------------------------------------------------------------------
// Transport Strategy
// -------------------------------------------------------------------------

// transport abstracts the TCP and UDP wire variants behind one surface.
// The only differences between them are the 8-byte TCP length prefix and
// the chunk ceiling for buffered reads.
type transport interface {
	// sendFrame transmits one complete frame (header plus payload).
	sendFrame(frame []byte) error

	// recvFrame blocks until one complete frame arrives and returns its
	// parsed header and payload.
	recvFrame() (Header, []byte, error)

	// setReadDeadline sets the deadline for subsequent recvFrame calls.
	// The zero time clears it.
	setReadDeadline(t time.Time) error

	// maxChunk is the largest byte count a single buffered-read chunk
	// request may ask for on this transport.
	maxChunk() int

	close() error
}

// isTimeout reports whether err is a network timeout, as opposed to a
// connection fault.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// -------------------------------------------------------------------------
// TCP Transport
// -------------------------------------------------------------------------

// tcpTransport frames over a stream socket. Every frame is preceded by the
// 8-byte top header carrying the magic words and the frame length, so the
// receive side reads exactly the advertised number of bytes. Split and
// concatenated frames are absorbed by the buffered reader.
type tcpTransport struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialTCP(addr string, timeout time.Duration) (*tcpTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return &tcpTransport{conn: conn, br: bufio.NewReader(conn)}, nil
}

func (t *tcpTransport) sendFrame(frame []byte) error {
	if _, err := t.conn.Write(BuildTCPTop(frame)); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	return nil
}

func (t *tcpTransport) recvFrame() (Header, []byte, error) {
	var top [tcpTopSize]byte
	if _, err := io.ReadFull(t.br, top[:]); err != nil {
		return Header{}, nil, fmt.Errorf("tcp recv top: %w", err)
	}
	size, err := ParseTCPTop(top[:])
	if err != nil {
		return Header{}, nil, err
	}
	if size < headerSize {
		return Header{}, nil, fmt.Errorf("tcp recv: advertised %d bytes: %w",
			size, ErrFrameTooShort)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(t.br, frame); err != nil {
		return Header{}, nil, fmt.Errorf("tcp recv body: %w", err)
	}
	hdr, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	return hdr, frame[headerSize:], nil
}

func (t *tcpTransport) setReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) maxChunk() int { return maxChunkTCP }

func (t *tcpTransport) close() error { return t.conn.Close() }

// -------------------------------------------------------------------------
// UDP Transport
// -------------------------------------------------------------------------

// udpTransport frames over a connected datagram socket. One datagram is
// one frame; receives use a fixed 1032-byte buffer (1024 bytes of payload
// plus the header).
type udpTransport struct {
	conn net.Conn
	buf  [udpRecvSize]byte
}

func dialUDP(addr string, timeout time.Duration) (*udpTransport, error) {
	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) sendFrame(frame []byte) error {
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

func (t *udpTransport) recvFrame() (Header, []byte, error) {
	n, err := t.conn.Read(t.buf[:])
	if err != nil {
		return Header{}, nil, fmt.Errorf("udp recv: %w", err)
	}
	hdr, err := ParseHeader(t.buf[:n])
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, n-headerSize)
	copy(payload, t.buf[headerSize:n])
	return hdr, payload, nil
}

func (t *udpTransport) setReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *udpTransport) maxChunk() int { return maxChunkUDP }

func (t *udpTransport) close() error { return t.conn.Close() }

// -------------------------------------------------------------------------
// Reachability Probe
// -------------------------------------------------------------------------

// probeTimeout bounds the reachability probe.
const probeTimeout = 1 * time.Second

// Probe reports whether addr accepts a TCP connection within one second.
// It is the reachability gate used before committing to a session and to
// pick the wide user record layout.
func Probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
