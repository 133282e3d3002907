package collector_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/attendkit/zkagent/internal/collector"
	"github.com/attendkit/zkagent/internal/config"
	"github.com/attendkit/zkagent/internal/store"
	"github.com/attendkit/zkagent/internal/zk"
	"github.com/attendkit/zkagent/internal/zk/zktest"
)

// liveDevice starts a fake terminal that answers the session preamble the
// supervisor issues: identity options, clock read, sizes, and an empty
// user table.
func liveDevice(t *testing.T, serial string) *zktest.Device {
	t.Helper()

	d, err := zktest.Start(zktest.Config{
		SessionID: 0x6677,
		Handler: func(req zktest.Request, w *zktest.ResponseWriter) bool {
			switch req.Cmd {
			case zk.CmdOptionsRead:
				name := strings.TrimRight(string(req.Payload), "\x00")
				_ = w.Reply(zk.CmdAckOK, append([]byte(name+"="+serial), 0))
				return true
			case zk.CmdGetTime:
				var p [4]byte
				binary.LittleEndian.PutUint32(p[:], zk.EncodeTime(time.Now()))
				_ = w.Reply(zk.CmdAckOK, p[:])
				return true
			case zk.CmdGetFreeSizes:
				_ = w.Reply(zk.CmdAckOK, make([]byte, 80))
				return true
			case zk.CmdPrepareBuffer:
				_ = w.Reply(zk.CmdData, nil)
				return true
			}
			return false
		},
	})
	if err != nil {
		t.Fatalf("start device: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

// punchPayload builds a 12-byte realtime event record.
func punchPayload(userID uint32, status, punch uint8, timehex [6]byte) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[0:4], userID)
	p[4] = status
	p[5] = punch
	copy(p[6:12], timehex[:])
	return p
}

func TestSupervisorCapturesToStore(t *testing.T) {
	t.Parallel()

	const serial = "SN-LIVE"
	d := liveDevice(t, serial)
	st := openStore(t)

	sup := collector.NewSupervisor(st, []config.DeviceConfig{{
		IP:             d.IP(),
		Port:           d.Port(),
		SerialNumber:   serial,
		ConnectTimeout: 2 * time.Second,
	}}, config.CollectorConfig{
		QueueSize:   16,
		SoftTimeout: 200 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	if !d.WaitFor(zk.CmdRegEvent, 3*time.Second) {
		cancel()
		<-done
		t.Fatal("supervisor never registered for realtime events")
	}

	// Push the same punch twice: one row must land, the second is a dedup
	// discard.
	payload := punchPayload(7, 1, 0, [6]byte{25, 1, 15, 9, 30, 0})
	if err := d.PushEvent(payload); err != nil {
		cancel()
		<-done
		t.Fatalf("push event: %v", err)
	}
	if err := d.PushEvent(payload); err != nil {
		cancel()
		<-done
		t.Fatalf("push event again: %v", err)
	}

	var rows []store.Attendance
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		rows, err = st.GetUnsynced(context.Background(), 10)
		if err != nil {
			t.Fatalf("get unsynced: %v", err)
		}
		if len(rows) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(rows) != 1 {
		cancel()
		<-done
		t.Fatalf("got %d stored punches, want 1", len(rows))
	}
	row := rows[0]
	if row.UserID != "7" || row.DeviceSN != serial || row.DeviceIP != d.IP() {
		t.Errorf("stored punch = %+v", row)
	}
	want := time.Date(2025, 1, 15, 9, 30, 0, 0, time.Local)
	if !row.PunchTime.Equal(want) {
		t.Errorf("punch time = %v, want %v", row.PunchTime, want)
	}

	status, ok := sup.GetDeviceStatus(serial)
	if !ok {
		t.Fatal("no status snapshot for device")
	}
	if !status.Connected {
		t.Error("status.Connected = false while capturing")
	}
	if status.LastEvent.IsZero() {
		t.Error("status.LastEvent not stamped")
	}
	if status.DeviceTime.IsZero() {
		t.Error("status.DeviceTime not recorded from the clock read")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("status.ConsecutiveFailures = %d, want 0", status.ConsecutiveFailures)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	if status, _ := sup.GetDeviceStatus(serial); status.Connected {
		t.Error("status.Connected = true after shutdown")
	}
}

func TestSupervisorUnknownSerialStatus(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	sup := collector.NewSupervisor(st, nil, config.CollectorConfig{
		QueueSize:   1,
		SoftTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, ok := sup.GetDeviceStatus("SN-MISSING"); ok {
		t.Error("GetDeviceStatus returned a snapshot for an unknown serial")
	}
}
