package zk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

var (
	// ErrNotConnected is returned when an operation other than the
	// handshake is issued on a closed session.
	ErrNotConnected = errors.New("not connected")

	// ErrUnauthorized is returned when the device rejects the password.
	ErrUnauthorized = errors.New("device rejected authentication")

	// ErrProtocol covers unexpected command codes, truncated frames and
	// checksum mismatches.
	ErrProtocol = errors.New("protocol error")

	// ErrUnreachable is returned when the reachability probe fails before
	// the handshake is attempted.
	ErrUnreachable = errors.New("device unreachable")
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Default session timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 60 * time.Second
)

// Options configures a Client. The zero value is usable for an open
// device on the default port.
type Options struct {
	// Port is the device port, DefaultPort when zero.
	Port int

	// ConnectTimeout bounds the dial, DefaultConnectTimeout when zero.
	ConnectTimeout time.Duration

	// Timeout is the hard request/response deadline, DefaultTimeout when
	// zero. Live capture uses its own soft timeout instead.
	Timeout time.Duration

	// Password is the numeric comm key, 0 when the device is open.
	Password uint32

	// ForceUDP selects the datagram transport regardless of the probe.
	ForceUDP bool

	// SkipProbe dials TCP directly without the reachability probe.
	SkipProbe bool

	// Logger receives session-level debug logging. Discards when nil.
	Logger *slog.Logger
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client is a stateful session with one device. All session state lives
// on the Client; methods are safe for concurrent use, serialised by an
// internal mutex. Create one Client per device.
type Client struct {
	addr string
	opts Options
	log  *slog.Logger

	mu             sync.Mutex
	tr             transport
	sessionID      uint16
	replyID        uint16
	connected      bool
	enabled        bool
	userPacketSize int

	endCapture atomic.Bool
}

// NewClient prepares a session with the device at ip. No I/O happens
// until Connect.
func NewClient(ip string, opts Options) *Client {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(opts.Port))
	return &Client{
		addr: addr,
		opts: opts,
		log:  logger.With(slog.String("device", addr)),
	}
}

// Addr returns the device host:port.
func (c *Client) Addr() string { return c.addr }

// IsConnected reports whether the session handshake has completed and no
// fault has been observed since.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the device-assigned session token, zero when
// disconnected.
func (c *Client) SessionID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// -------------------------------------------------------------------------
// Handshake
// -------------------------------------------------------------------------

// Connect opens the transport and performs the CONNECT handshake,
// authenticating with the comm key when the device demands it.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var (
		tr  transport
		err error
	)
	switch {
	case c.opts.ForceUDP:
		c.userPacketSize = userRecordNarrow
		tr, err = dialUDP(c.addr, c.opts.ConnectTimeout)
	default:
		if !c.opts.SkipProbe && !Probe(c.addr) {
			return fmt.Errorf("connect %s: %w", c.addr, ErrUnreachable)
		}
		c.userPacketSize = userRecordWide
		tr, err = dialTCP(c.addr, c.opts.ConnectTimeout)
	}
	if err != nil {
		return err
	}
	c.tr = tr
	c.sessionID = 0
	c.replyID = ushrtMax - 1

	hdr, _, err := c.roundTrip(CmdConnect, nil)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		c.teardown()
		return fmt.Errorf("connect: %w", err)
	}
	c.sessionID = hdr.SessionID

	if hdr.Command == CmdAckUnauth {
		key := MakeCommKey(c.opts.Password, c.sessionID, defaultCommKeyTicks)
		ahdr, _, aerr := c.roundTrip(CmdAuth, key[:])
		if aerr != nil || ahdr.Command != CmdAckOK {
			c.teardown()
			if aerr != nil && !errors.Is(aerr, ErrUnauthorized) && !errors.Is(aerr, ErrProtocol) {
				return fmt.Errorf("auth: %w", aerr)
			}
			return fmt.Errorf("auth: %w", ErrUnauthorized)
		}
	}

	c.connected = true
	c.enabled = true
	c.log.Debug("session established",
		slog.Int("session_id", int(c.sessionID)),
		slog.Int("user_packet_size", c.userPacketSize))
	return nil
}

// Disconnect sends a best-effort EXIT and releases the session. It is
// idempotent and safe to call after a fault.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return nil
	}
	if c.connected {
		_, _, _ = c.roundTrip(CmdExit, nil)
	}
	c.teardown()
	return nil
}

// teardown closes the transport and clears session state. Caller holds mu.
func (c *Client) teardown() {
	if c.tr != nil {
		_ = c.tr.close()
		c.tr = nil
	}
	c.connected = false
	c.sessionID = 0
}

// -------------------------------------------------------------------------
// Request / Response
// -------------------------------------------------------------------------

// roundTrip performs one request/response exchange. Caller holds mu and
// guarantees the transport is open. The reply id is incremented before
// the frame is built, then refreshed from the response header. Any
// network error marks the session disconnected; the transport is left for
// Disconnect to close.
func (c *Client) roundTrip(cmd Command, payload []byte) (Header, []byte, error) {
	c.replyID++
	if c.replyID >= ushrtMax {
		c.replyID -= ushrtMax
	}

	frame := BuildFrame(cmd, c.sessionID, c.replyID, payload)
	if err := c.tr.sendFrame(frame); err != nil {
		c.connected = false
		return Header{}, nil, err
	}

	if err := c.tr.setReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		c.connected = false
		return Header{}, nil, err
	}
	hdr, body, err := c.tr.recvFrame()
	if err != nil {
		c.connected = false
		return Header{}, nil, err
	}
	if !VerifyResponse(hdr, body) {
		return hdr, body, fmt.Errorf("%s reply: %w: %w", cmd, ErrBadChecksum, ErrProtocol)
	}
	c.replyID = hdr.ReplyID

	switch hdr.Command {
	case CmdAckOK, CmdPrepareData, CmdData:
		return hdr, body, nil
	case CmdAckUnauth:
		return hdr, body, fmt.Errorf("%s: %w", cmd, ErrUnauthorized)
	default:
		return hdr, body, fmt.Errorf("%s: unexpected reply %s: %w", cmd, hdr.Command, ErrProtocol)
	}
}

// exec runs one simple command on a connected session.
func (c *Client) exec(cmd Command, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("%s: %w", cmd, ErrNotConnected)
	}
	_, _, err := c.roundTrip(cmd, payload)
	return err
}

// query runs one command and returns the reply payload.
func (c *Client) query(cmd Command, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%s: %w", cmd, ErrNotConnected)
	}
	_, body, err := c.roundTrip(cmd, payload)
	return body, err
}

// -------------------------------------------------------------------------
// Clock
// -------------------------------------------------------------------------

// GetTime reads the device clock.
func (c *Client) GetTime() (time.Time, error) {
	body, err := c.query(CmdGetTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	if len(body) < 4 {
		return time.Time{}, fmt.Errorf("get time: %d byte reply: %w", len(body), ErrProtocol)
	}
	return DecodeTime(binary.LittleEndian.Uint32(body[:4])), nil
}

// SetTime writes the device clock.
func (c *Client) SetTime(t time.Time) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], EncodeTime(t))
	return c.exec(CmdSetTime, payload[:])
}

// -------------------------------------------------------------------------
// Device Control
// -------------------------------------------------------------------------

// EnableDevice re-opens the device for user input.
func (c *Client) EnableDevice() error {
	if err := c.exec(CmdEnableDevice, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

// DisableDevice locks the device keypad and sensor, showing the "working"
// screen.
func (c *Client) DisableDevice() error {
	if err := c.exec(CmdDisableDevice, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	return nil
}

// Restart reboots the device. The session is left disconnected.
func (c *Client) Restart() error {
	err := c.exec(CmdRestart, nil)
	c.mu.Lock()
	c.teardown()
	c.mu.Unlock()
	return err
}

// PowerOff shuts the device down. The session is left disconnected.
func (c *Client) PowerOff() error {
	err := c.exec(CmdPowerOff, nil)
	c.mu.Lock()
	c.teardown()
	c.mu.Unlock()
	return err
}

// RefreshData asks the device to reload its in-memory tables after writes.
func (c *Client) RefreshData() error {
	return c.exec(CmdRefreshData, nil)
}

// Unlock triggers the door relay for the given duration (second
// resolution).
func (c *Client) Unlock(d time.Duration) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], uint32(d/time.Second)*10) //nolint:gosec // G115: relay durations are small
	return c.exec(CmdUnlock, payload[:])
}

// TestVoice plays the voice prompt with the given index. Index 0 is
// "Thank you".
func (c *Client) TestVoice(index uint32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], index)
	return c.exec(CmdTestVoice, payload[:])
}

// ClearAttendance erases the device's punch log. Use only after a
// verified sync.
func (c *Client) ClearAttendance() error {
	if err := c.exec(CmdClearAttLog, nil); err != nil {
		return err
	}
	return c.exec(CmdRefreshData, nil)
}

// -------------------------------------------------------------------------
// Options & Identity
// -------------------------------------------------------------------------

// readOption fetches one "name=value" device option string.
func (c *Client) readOption(name string) (string, error) {
	body, err := c.query(CmdOptionsRead, append([]byte(name), 0))
	if err != nil {
		return "", err
	}
	s := cstr(body)
	if _, value, ok := strings.Cut(s, "="); ok {
		return value, nil
	}
	return "", fmt.Errorf("read option %s: reply %q: %w", name, s, ErrProtocol)
}

// FirmwareVersion reads the device firmware version string.
func (c *Client) FirmwareVersion() (string, error) {
	body, err := c.query(CmdGetVersion, nil)
	if err != nil {
		return "", err
	}
	return cstr(body), nil
}

// SerialNumber reads the device serial number.
func (c *Client) SerialNumber() (string, error) {
	return c.readOption("~SerialNumber")
}

// Platform reads the device platform name.
func (c *Client) Platform() (string, error) {
	return c.readOption("~Platform")
}

// DeviceName reads the device model name.
func (c *Client) DeviceName() (string, error) {
	return c.readOption("~DeviceName")
}

// MAC reads the device MAC address.
func (c *Client) MAC() (string, error) {
	return c.readOption("MAC")
}

// ReadSizes reads the record and capacity counters.
func (c *Client) ReadSizes() (DeviceSizes, error) {
	body, err := c.query(CmdGetFreeSizes, nil)
	if err != nil {
		return DeviceSizes{}, err
	}
	return parseFreeSizes(body)
}

// -------------------------------------------------------------------------
// Bulk Reads
// -------------------------------------------------------------------------

// GetAttendance downloads the historical punch log. The record layout is
// derived from the advertised body size and the device's record counter;
// unknown layouts fail closed.
func (c *Client) GetAttendance() ([]Attendance, error) {
	sizes, err := c.ReadSizes()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("get attendance: %w", ErrNotConnected)
	}
	data, err := c.readWithBuffer(CmdAttLogRead, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("get attendance: %w", err)
	}
	if len(data) < 4 {
		return nil, nil
	}
	// The body carries its own 4-byte size prefix.
	body := data[4:]
	if sizes.Records == 0 || len(body) == 0 {
		return nil, nil
	}
	return ParseAttendance(body, len(body)/sizes.Records)
}

// GetUsers downloads the device user table.
func (c *Client) GetUsers() ([]User, error) {
	sizes, err := c.ReadSizes()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("get users: %w", ErrNotConnected)
	}
	data, err := c.readWithBuffer(CmdUserTempRead, FctUser, 0)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	if len(data) < 4 {
		return nil, nil
	}
	body := data[4:]
	if len(body) == 0 {
		return nil, nil
	}
	recordSize := c.userPacketSize
	if sizes.Users > 0 {
		recordSize = len(body) / sizes.Users
	}
	return ParseUsers(body, recordSize)
}

// FreeData releases the device-side buffer after a chunked read.
func (c *Client) FreeData() error {
	return c.exec(CmdFreeData, nil)
}

// -------------------------------------------------------------------------
// Capture Control
// -------------------------------------------------------------------------

// CancelCapture aborts any pending verify or enroll prompt.
func (c *Client) CancelCapture() error {
	return c.exec(CmdCancelCapture, nil)
}

// StartVerify puts the device into identification mode.
func (c *Client) StartVerify() error {
	return c.exec(CmdStartVerify, nil)
}

// regEvent subscribes to the given realtime event flags. Zero
// unsubscribes.
func (c *Client) regEvent(flags uint32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], flags)
	return c.exec(CmdRegEvent, payload[:])
}
