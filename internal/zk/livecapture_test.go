package zk_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/attendkit/zkagent/internal/zk"
	"github.com/attendkit/zkagent/internal/zk/zktest"
)

// liveEvent12 packs the compact realtime punch record.
func liveEvent12(userID uint32, status, punch uint8, ts time.Time) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[0:4], userID)
	p[4] = status
	p[5] = punch
	hex := zk.EncodeTimeHex(ts)
	copy(p[6:12], hex[:])
	return p
}

// liveEvent52 packs the wide realtime punch record.
func liveEvent52(userID string, status, punch uint8, ts time.Time) []byte {
	p := make([]byte, 52)
	copy(p[0:24], userID)
	p[24] = status
	p[25] = punch
	hex := zk.EncodeTimeHex(ts)
	copy(p[26:32], hex[:])
	return p
}

// startCapture opens a live-capture stream and arranges its teardown.
func startCapture(t *testing.T, c *zk.Client, soft time.Duration) *zk.LiveCapture {
	t.Helper()
	lc, err := c.LiveCapture(soft)
	if err != nil {
		t.Fatalf("live capture: %v", err)
	}
	t.Cleanup(lc.Stop)
	return lc
}

// -------------------------------------------------------------------------
// TestLiveCaptureEvent -- one pushed punch comes out decoded and ACKed
// -------------------------------------------------------------------------

func TestLiveCaptureEvent(t *testing.T) {
	t.Parallel()

	d := startDevice(t, zktest.Config{SessionID: 0x3001})
	c := connect(t, d, zk.Options{})
	lc := startCapture(t, c, time.Second)

	ts := time.Date(2025, time.January, 15, 9, 30, 0, 0, time.Local)
	if err := d.PushEvent(liveEvent12(7, 1, 0, ts)); err != nil {
		t.Fatalf("push event: %v", err)
	}

	ev, err := lc.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev == nil {
		t.Fatal("Next returned a tick, want an event")
	}
	if ev.UserID != "7" {
		t.Errorf("user id = %q, want 7", ev.UserID)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, ts)
	}
	if ev.Status != 1 || ev.Punch != 0 {
		t.Errorf("status/punch = %d/%d, want 1/0", ev.Status, ev.Punch)
	}

	// The device expects an immediate ACK for every pushed event.
	if !d.WaitFor(zk.CmdAckOK, time.Second) {
		t.Error("device never saw the event ACK")
	}
}

// -------------------------------------------------------------------------
// TestLiveCaptureWideRecords -- 52-byte layout, two records per frame
// -------------------------------------------------------------------------

func TestLiveCaptureWideRecords(t *testing.T) {
	t.Parallel()

	d := startDevice(t, zktest.Config{SessionID: 0x3002})
	c := connect(t, d, zk.Options{})
	lc := startCapture(t, c, time.Second)

	ts := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.Local)
	frame := append(liveEvent52("EMP-7", 1, 0, ts), liveEvent52("EMP-8", 1, 1, ts.Add(time.Second))...)
	if err := d.PushEvent(frame); err != nil {
		t.Fatalf("push event: %v", err)
	}

	first, err := lc.Next()
	if err != nil || first == nil {
		t.Fatalf("first Next = (%v, %v)", first, err)
	}
	second, err := lc.Next()
	if err != nil || second == nil {
		t.Fatalf("second Next = (%v, %v)", second, err)
	}
	if first.UserID != "EMP-7" || second.UserID != "EMP-8" {
		t.Errorf("user ids = %q, %q", first.UserID, second.UserID)
	}
	if second.Punch != 1 {
		t.Errorf("second punch = %d, want 1", second.Punch)
	}
}

// -------------------------------------------------------------------------
// TestLiveCaptureSoftTimeout -- quiet wire yields ticks, not teardown
// -------------------------------------------------------------------------

func TestLiveCaptureSoftTimeout(t *testing.T) {
	t.Parallel()

	d := startDevice(t, zktest.Config{SessionID: 0x3003})
	c := connect(t, d, zk.Options{})
	lc := startCapture(t, c, 50*time.Millisecond)

	ev, err := lc.Next()
	if err != nil {
		t.Fatalf("Next during quiet period: %v", err)
	}
	if ev != nil {
		t.Fatalf("Next = %+v, want tick", ev)
	}
	if !c.IsConnected() {
		t.Fatal("session torn down by a soft timeout")
	}

	// Stop ends the stream at the next checkpoint and restores the
	// session for ordinary requests.
	lc.Stop()
	if _, err := lc.Next(); !errors.Is(err, zk.ErrCaptureEnded) {
		t.Fatalf("Next after Stop = %v, want ErrCaptureEnded", err)
	}
	if _, err := lc.Next(); !errors.Is(err, zk.ErrCaptureEnded) {
		t.Fatalf("second Next after Stop = %v, want ErrCaptureEnded", err)
	}
	if err := c.RefreshData(); err != nil {
		t.Fatalf("request after capture teardown: %v", err)
	}

	// Teardown must have cleared the event registration.
	var lastReg []byte
	for _, r := range d.Requests() {
		if r.Cmd == zk.CmdRegEvent {
			lastReg = r.Payload
		}
	}
	if len(lastReg) != 4 || binary.LittleEndian.Uint32(lastReg) != 0 {
		t.Errorf("final REG_EVENT payload = %v, want zero flags", lastReg)
	}
}

// -------------------------------------------------------------------------
// TestLiveCaptureSetup -- device is prepared and restored around the stream
// -------------------------------------------------------------------------

func TestLiveCaptureSetup(t *testing.T) {
	t.Parallel()

	d := startDevice(t, zktest.Config{SessionID: 0x3004})
	c := connect(t, d, zk.Options{})

	// A disabled device must be re-enabled for the stream and disabled
	// again afterwards.
	if err := c.DisableDevice(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	lc := startCapture(t, c, 50*time.Millisecond)

	var sawCancel, sawVerify, sawEnable bool
	for _, r := range d.Requests() {
		switch r.Cmd {
		case zk.CmdCancelCapture:
			sawCancel = true
		case zk.CmdStartVerify:
			sawVerify = true
		case zk.CmdEnableDevice:
			sawEnable = true
		}
	}
	if !sawCancel || !sawVerify || !sawEnable {
		t.Errorf("setup commands seen: cancel=%v verify=%v enable=%v",
			sawCancel, sawVerify, sawEnable)
	}

	lc.Stop()
	if _, err := lc.Next(); !errors.Is(err, zk.ErrCaptureEnded) {
		t.Fatalf("Next after Stop = %v", err)
	}

	// The pre-capture disable plus the teardown one.
	deadline := time.Now().Add(time.Second)
	for {
		var disables int
		for _, r := range d.Requests() {
			if r.Cmd == zk.CmdDisableDevice {
				disables++
			}
		}
		if disables >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("device not re-disabled after teardown (%d disables)", disables)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// -------------------------------------------------------------------------
// TestLiveCaptureNotConnected -- stream setup requires a session
// -------------------------------------------------------------------------

func TestLiveCaptureNotConnected(t *testing.T) {
	t.Parallel()

	c := zk.NewClient("127.0.0.1", zk.Options{Port: 1, SkipProbe: true})
	if _, err := c.LiveCapture(0); !errors.Is(err, zk.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
