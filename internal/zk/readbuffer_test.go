package zk_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/attendkit/zkagent/internal/zk"
	"github.com/attendkit/zkagent/internal/zk/zktest"
)

// freeSizesReply builds a GET_FREE_SIZES payload advertising the given
// counters.
func freeSizesReply(users, records int) []byte {
	p := make([]byte, 80)
	binary.LittleEndian.PutUint32(p[4*4:], uint32(users))
	binary.LittleEndian.PutUint32(p[8*4:], uint32(records))
	return p
}

// attLogBody builds an attendance table body: its own 4-byte size prefix
// followed by count 8-byte records punched one minute apart.
func attLogBody(count int) []byte {
	base := time.Date(2025, time.February, 1, 8, 0, 0, 0, time.Local)
	body := make([]byte, 4, 4+count*8)
	binary.LittleEndian.PutUint32(body[:4], uint32(count*8))
	for i := 0; i < count; i++ {
		body = append(body, record8(uint16(i+1), 1, base.Add(time.Duration(i)*time.Minute), 0)...)
	}
	return body
}

// -------------------------------------------------------------------------
// TestGetAttendanceLegacyUDP -- PREPARE_DATA stream over datagrams
// -------------------------------------------------------------------------

func TestGetAttendanceLegacyUDP(t *testing.T) {
	t.Parallel()

	const records = 100
	body := attLogBody(records)

	d := startDevice(t, zktest.Config{
		SessionID: 0x2001,
		Handler: func(req zktest.Request, w *zktest.ResponseWriter) bool {
			switch req.Cmd {
			case zk.CmdGetFreeSizes:
				_ = w.Reply(zk.CmdAckOK, freeSizesReply(0, records))
				return true
			case zk.CmdPrepareBuffer:
				// Older firmware: chunked reads unsupported.
				_ = w.Reply(zk.CmdAckUnknown, nil)
				return true
			case zk.CmdAttLogRead:
				var size [4]byte
				binary.LittleEndian.PutUint32(size[:], uint32(len(body)))
				_ = w.Reply(zk.CmdPrepareData, size[:])
				// Stream the body in datagram-sized DATA frames.
				for off := 0; off < len(body); off += 1024 {
					end := off + 1024
					if end > len(body) {
						end = len(body)
					}
					_ = w.Reply(zk.CmdData, body[off:end])
				}
				_ = w.Reply(zk.CmdAckOK, nil)
				return true
			}
			return false
		},
	})
	c := connect(t, d, zk.Options{ForceUDP: true})

	events, err := c.GetAttendance()
	if err != nil {
		t.Fatalf("GetAttendance: %v", err)
	}
	if len(events) != records {
		t.Fatalf("got %d events, want %d", len(events), records)
	}
	for i, ev := range events {
		if ev.UID != uint16(i+1) {
			t.Fatalf("event %d out of order: uid = %d", i, ev.UID)
		}
	}
}

// -------------------------------------------------------------------------
// TestGetAttendanceChunkedTCP -- PREPARE_BUFFER / READ_BUFFER path
// -------------------------------------------------------------------------

func TestGetAttendanceChunkedTCP(t *testing.T) {
	t.Parallel()

	const records = 50
	base := time.Date(2025, time.February, 2, 7, 0, 0, 0, time.Local)
	body := make([]byte, 4, 4+records*16)
	binary.LittleEndian.PutUint32(body[:4], uint32(records*16))
	for i := 0; i < records; i++ {
		body = append(body, record16(uint32(1000+i), base.Add(time.Duration(i)*time.Minute), 1, 0)...)
	}

	d := startDevice(t, zktest.Config{
		SessionID: 0x2002,
		Handler: func(req zktest.Request, w *zktest.ResponseWriter) bool {
			switch req.Cmd {
			case zk.CmdGetFreeSizes:
				_ = w.Reply(zk.CmdAckOK, freeSizesReply(0, records))
				return true
			case zk.CmdPrepareBuffer:
				ack := make([]byte, 5)
				binary.LittleEndian.PutUint32(ack[1:5], uint32(len(body)))
				_ = w.Reply(zk.CmdAckOK, ack)
				return true
			case zk.CmdReadBuffer:
				start := int(binary.LittleEndian.Uint32(req.Payload[0:4]))
				size := int(binary.LittleEndian.Uint32(req.Payload[4:8]))
				_ = w.Reply(zk.CmdData, body[start:start+size])
				return true
			}
			return false
		},
	})
	c := connect(t, d, zk.Options{})

	events, err := c.GetAttendance()
	if err != nil {
		t.Fatalf("GetAttendance: %v", err)
	}
	if len(events) != records {
		t.Fatalf("got %d events, want %d", len(events), records)
	}
	if events[0].UserID != "1000" || events[records-1].UserID != "1049" {
		t.Errorf("boundary events = %q, %q", events[0].UserID, events[records-1].UserID)
	}
	if !d.WaitFor(zk.CmdFreeData, time.Second) {
		t.Error("device buffer never freed")
	}
}

// -------------------------------------------------------------------------
// TestReadChunkRetry -- transient chunk failures are reissued
// -------------------------------------------------------------------------

func TestReadChunkRetry(t *testing.T) {
	t.Parallel()

	body := attLogBody(10)
	chunkAttempts := 0 // touched only from the device's dispatch goroutine

	d := startDevice(t, zktest.Config{
		SessionID: 0x2003,
		Handler: func(req zktest.Request, w *zktest.ResponseWriter) bool {
			switch req.Cmd {
			case zk.CmdGetFreeSizes:
				_ = w.Reply(zk.CmdAckOK, freeSizesReply(0, 10))
				return true
			case zk.CmdPrepareBuffer:
				ack := make([]byte, 5)
				binary.LittleEndian.PutUint32(ack[1:5], uint32(len(body)))
				_ = w.Reply(zk.CmdAckOK, ack)
				return true
			case zk.CmdReadBuffer:
				chunkAttempts++
				if chunkAttempts == 1 {
					_ = w.Reply(zk.CmdAckError, nil)
					return true
				}
				_ = w.Reply(zk.CmdData, body)
				return true
			}
			return false
		},
	})
	c := connect(t, d, zk.Options{})

	events, err := c.GetAttendance()
	if err != nil {
		t.Fatalf("GetAttendance: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("got %d events, want 10", len(events))
	}
	var attempts int
	for _, r := range d.Requests() {
		if r.Cmd == zk.CmdReadBuffer {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("chunk attempts = %d, want 2", attempts)
	}
}

// -------------------------------------------------------------------------
// TestGetUsersWide -- user table download over TCP
// -------------------------------------------------------------------------

func TestGetUsersWide(t *testing.T) {
	t.Parallel()

	rec := make([]byte, 72)
	binary.LittleEndian.PutUint16(rec[0:2], 1)
	copy(rec[11:35], "Carol")
	copy(rec[48:72], "4711")
	body := make([]byte, 4, 4+len(rec))
	binary.LittleEndian.PutUint32(body[:4], uint32(len(rec)))
	body = append(body, rec...)

	d := startDevice(t, zktest.Config{
		SessionID: 0x2004,
		Handler: func(req zktest.Request, w *zktest.ResponseWriter) bool {
			switch req.Cmd {
			case zk.CmdGetFreeSizes:
				_ = w.Reply(zk.CmdAckOK, freeSizesReply(1, 0))
				return true
			case zk.CmdPrepareBuffer:
				_ = w.Reply(zk.CmdData, body)
				return true
			}
			return false
		},
	})
	c := connect(t, d, zk.Options{})

	users, err := c.GetUsers()
	if err != nil {
		t.Fatalf("GetUsers: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "4711" || users[0].Name != "Carol" {
		t.Errorf("users = %+v", users)
	}
}
