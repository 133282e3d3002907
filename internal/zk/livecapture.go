package zk

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Live Capture
// -------------------------------------------------------------------------

// ErrCaptureEnded is returned by Next once the stream has been stopped
// and torn down.
var ErrCaptureEnded = errors.New("live capture ended")

// DefaultSoftTimeout is the receive timeout during live capture. Each
// expiry yields a Tick so the consumer gets a cancellation checkpoint
// without the session being torn down.
const DefaultSoftTimeout = 2 * time.Second

// LiveCapture is a pull stream of realtime punches. It is not safe for
// concurrent Next calls; Stop may be called from any goroutine.
type LiveCapture struct {
	c          *Client
	soft       time.Duration
	wasEnabled bool
	done       bool
	pending    []Attendance
}

// LiveCapture subscribes to realtime punch events and returns the event
// stream. The device is switched into identification mode and, when
// disabled, re-enabled for the duration of the stream.
func (c *Client) LiveCapture(softTimeout time.Duration) (*LiveCapture, error) {
	if softTimeout <= 0 {
		softTimeout = DefaultSoftTimeout
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("live capture: %w", ErrNotConnected)
	}
	wasEnabled := c.enabled
	c.mu.Unlock()

	if err := c.CancelCapture(); err != nil {
		return nil, fmt.Errorf("live capture: %w", err)
	}
	if err := c.StartVerify(); err != nil {
		return nil, fmt.Errorf("live capture: %w", err)
	}
	if !wasEnabled {
		if err := c.EnableDevice(); err != nil {
			return nil, fmt.Errorf("live capture: %w", err)
		}
	}
	if err := c.regEvent(EFAttLog); err != nil {
		return nil, fmt.Errorf("live capture: %w", err)
	}

	c.endCapture.Store(false)
	c.log.Debug("live capture started", slog.Duration("soft_timeout", softTimeout))
	return &LiveCapture{c: c, soft: softTimeout, wasEnabled: wasEnabled}, nil
}

// Stop requests the stream to end. The next Next call performs the
// teardown and returns ErrCaptureEnded.
func (lc *LiveCapture) Stop() {
	lc.c.endCapture.Store(true)
}

// Next blocks until the next event arrives and returns it. A nil event
// with a nil error is a Tick: the soft timeout expired with no traffic
// and the session is still healthy. After Stop, Next tears the stream
// down and returns ErrCaptureEnded. Any other error terminates the
// stream and signals the owner to reconnect.
func (lc *LiveCapture) Next() (*Attendance, error) {
	for {
		if lc.done {
			return nil, ErrCaptureEnded
		}
		if lc.c.endCapture.Load() {
			lc.finish()
			return nil, ErrCaptureEnded
		}
		if len(lc.pending) > 0 {
			ev := lc.pending[0]
			lc.pending = lc.pending[1:]
			return &ev, nil
		}

		hdr, body, err := lc.recvEvent()
		if err != nil {
			if isTimeout(err) {
				// Tick: cancellation checkpoint, session stays up.
				return nil, nil
			}
			lc.done = true
			return nil, err
		}
		if hdr.Command != CmdRegEvent {
			continue
		}

		events, perr := parseLiveRecords(body)
		if perr != nil {
			lc.c.log.Warn("discarding malformed live event", slog.Any("error", perr))
			continue
		}
		if len(events) == 0 {
			continue
		}
		lc.pending = events[1:]
		return &events[0], nil
	}
}

// recvEvent reads one frame under the soft timeout and ACKs it. The
// device retransmits un-ACKed events, so the ACK goes out before the
// payload is even looked at.
func (lc *LiveCapture) recvEvent() (Header, []byte, error) {
	c := lc.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return Header{}, nil, ErrNotConnected
	}
	if err := c.tr.setReadDeadline(time.Now().Add(lc.soft)); err != nil {
		c.connected = false
		return Header{}, nil, err
	}
	hdr, body, err := c.tr.recvFrame()
	if err != nil {
		if isTimeout(err) {
			return Header{}, nil, err
		}
		c.connected = false
		return Header{}, nil, err
	}

	// Realtime events carry the fixed reply id, echoed in the ACK.
	ack := BuildFrame(CmdAckOK, c.sessionID, ushrtMax-1, nil)
	if err := c.tr.sendFrame(ack); err != nil {
		c.connected = false
		return Header{}, nil, err
	}
	return hdr, body, nil
}

// finish restores the session to its pre-capture state: hard timeout
// back on the socket, event registration cleared, and the device
// re-disabled when it was disabled on entry.
func (lc *LiveCapture) finish() {
	lc.done = true
	c := lc.c

	c.mu.Lock()
	if c.tr != nil {
		_ = c.tr.setReadDeadline(time.Time{})
	}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}

	if err := c.regEvent(0); err != nil {
		c.log.Warn("live capture teardown: unregister events", slog.Any("error", err))
		return
	}
	if !lc.wasEnabled {
		if err := c.DisableDevice(); err != nil {
			c.log.Warn("live capture teardown: disable device", slog.Any("error", err))
		}
	}
	c.log.Debug("live capture stopped")
}
