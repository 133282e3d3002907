// Package zktest provides a scriptable in-process ZKTeco terminal for
// tests. It serves the wire protocol on both TCP and UDP over loopback,
// handles the CONNECT/AUTH handshake itself, and delegates everything
// else to an optional handler.
package zktest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/attendkit/zkagent/internal/zk"
)

// liveReplyID is the fixed reply id carried by pushed realtime events
// and their ACKs.
const liveReplyID = 65534

// Request is one frame received from the client under test.
type Request struct {
	Cmd     zk.Command
	Payload []byte
	ReplyID uint16
}

// ResponseWriter sends frames back on the connection a request arrived
// on.
type ResponseWriter struct {
	session uint16
	replyID uint16
	send    func([]byte) error
}

// Reply answers the current request, echoing its reply id.
func (w *ResponseWriter) Reply(cmd zk.Command, payload []byte) error {
	return w.send(zk.BuildFrame(cmd, w.session, w.replyID, payload))
}

// Send pushes an unsolicited frame with the realtime reply id.
func (w *ResponseWriter) Send(cmd zk.Command, payload []byte) error {
	return w.send(zk.BuildFrame(cmd, w.session, liveReplyID, payload))
}

// Handler scripts device behaviour. Return true when the request was
// answered; false falls through to the device defaults (ACK_OK for
// everything, handshake handled internally).
type Handler func(req Request, w *ResponseWriter) bool

// Config configures a Device.
type Config struct {
	// SessionID is assigned on CONNECT.
	SessionID uint16

	// Password, when non-zero, makes CONNECT answer ACK_UNAUTH and
	// demands a matching comm key via CMD_AUTH.
	Password uint32

	// Handler scripts non-default behaviour. May be nil.
	Handler Handler
}

// Device is a fake terminal listening on loopback.
type Device struct {
	cfg Config

	ln   net.Listener
	uc   *net.UDPConn
	ip   string
	port int

	mu     sync.Mutex
	reqs   []Request
	pushFn func([]byte) error
	conns  []net.Conn
	closed bool
}

// Start launches a device on an ephemeral loopback port, serving the
// same port over TCP and UDP.
func Start(cfg Config) (*Device, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("zktest: listen tcp: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("zktest: listen udp: %w", err)
	}

	d := &Device{cfg: cfg, ln: ln, uc: uc, ip: "127.0.0.1", port: port}
	go d.acceptLoop()
	go d.udpLoop()
	return d, nil
}

// IP returns the loopback address the device listens on.
func (d *Device) IP() string { return d.ip }

// Port returns the shared TCP/UDP port.
func (d *Device) Port() int { return d.port }

// Close tears the device down. Safe to call more than once.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conns := d.conns
	d.mu.Unlock()

	_ = d.ln.Close()
	_ = d.uc.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Requests returns a copy of every frame received so far, in order.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.reqs))
	copy(out, d.reqs)
	return out
}

// WaitFor polls until a frame with the given command has been received
// or the timeout expires.
func (d *Device) WaitFor(cmd zk.Command, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range d.Requests() {
			if r.Cmd == cmd {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// PushEvent sends an unsolicited REG_EVENT frame to the most recent
// client connection.
func (d *Device) PushEvent(payload []byte) error {
	d.mu.Lock()
	push := d.pushFn
	d.mu.Unlock()
	if push == nil {
		return fmt.Errorf("zktest: no client connection to push to")
	}
	return push(zk.BuildFrame(zk.CmdRegEvent, d.cfg.SessionID, liveReplyID, payload))
}

// -------------------------------------------------------------------------
// Serving
// -------------------------------------------------------------------------

func (d *Device) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		wmu := new(sync.Mutex)
		send := func(frame []byte) error {
			wmu.Lock()
			defer wmu.Unlock()
			_, err := conn.Write(zk.BuildTCPTop(frame))
			return err
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.pushFn = send
		d.mu.Unlock()
		go d.serveTCP(conn, send)
	}
}

func (d *Device) serveTCP(conn net.Conn, send func([]byte) error) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		var top [8]byte
		if _, err := io.ReadFull(br, top[:]); err != nil {
			return
		}
		size, err := zk.ParseTCPTop(top[:])
		if err != nil {
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(br, frame); err != nil {
			return
		}
		hdr, err := zk.ParseHeader(frame)
		if err != nil {
			return
		}
		d.dispatch(hdr, frame[8:], send)
	}
}

func (d *Device) udpLoop() {
	buf := make([]byte, 2048)
	for {
		n, peer, err := d.uc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		hdr, err := zk.ParseHeader(buf[:n])
		if err != nil {
			continue
		}
		payload := make([]byte, n-8)
		copy(payload, buf[8:n])

		send := func(frame []byte) error {
			_, werr := d.uc.WriteToUDP(frame, peer)
			return werr
		}
		d.mu.Lock()
		d.pushFn = send
		d.mu.Unlock()
		d.dispatch(hdr, payload, send)
	}
}

func (d *Device) dispatch(hdr zk.Header, payload []byte, send func([]byte) error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, Request{Cmd: hdr.Command, Payload: payload, ReplyID: hdr.ReplyID})
	handler := d.cfg.Handler
	d.mu.Unlock()

	// ACKs for pushed events expect no answer.
	if hdr.Command == zk.CmdAckOK {
		return
	}

	w := &ResponseWriter{session: d.cfg.SessionID, replyID: hdr.ReplyID, send: send}
	if handler != nil && handler(Request{Cmd: hdr.Command, Payload: payload, ReplyID: hdr.ReplyID}, w) {
		return
	}

	switch hdr.Command {
	case zk.CmdConnect:
		if d.cfg.Password != 0 {
			_ = w.Reply(zk.CmdAckUnauth, nil)
			return
		}
		_ = w.Reply(zk.CmdAckOK, nil)
	case zk.CmdAuth:
		want := zk.MakeCommKey(d.cfg.Password, d.cfg.SessionID, 50)
		if bytes.Equal(payload, want[:]) {
			_ = w.Reply(zk.CmdAckOK, nil)
			return
		}
		_ = w.Reply(zk.CmdAckUnauth, nil)
	default:
		_ = w.Reply(zk.CmdAckOK, nil)
	}
}
