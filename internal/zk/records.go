package zk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// -------------------------------------------------------------------------
// Record Types
// -------------------------------------------------------------------------

// Attendance is one punch: a user's finger or face match on the device.
type Attendance struct {
	// UID is the device-internal 16-bit user index. Zero when the record
	// layout does not carry it.
	UID uint16

	// UserID is the operator-assigned identifier, numeric or alphanumeric
	// depending on device generation.
	UserID string

	// Timestamp is second precision on the device-local clock.
	Timestamp time.Time

	// Status is the device-defined verification mode.
	Status uint8

	// Punch is the in/out/break code.
	Punch uint8
}

// User is one entry of the device user table.
type User struct {
	UID       uint16
	UserID    string
	Name      string
	Privilege uint8
	Password  string
	GroupID   string
	Card      uint32
}

// DeviceSizes holds the record and capacity counters reported by
// CMD_GET_FREE_SIZES.
type DeviceSizes struct {
	Users        int
	Fingers      int
	Records      int
	UserCapacity int
	FingerCap    int
	RecordCap    int
}

// User record widths. The wide layout is negotiated when the device is
// reachable over TCP.
const (
	userRecordNarrow = 28
	userRecordWide   = 72
)

// Attendance record widths seen across device generations.
const (
	attRecord8  = 8
	attRecord16 = 16
	attRecord40 = 40
)

// -------------------------------------------------------------------------
// String Field Decoding
// -------------------------------------------------------------------------

// cstr decodes a NUL-padded byte field as a string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// -------------------------------------------------------------------------
// Attendance Parsing
// -------------------------------------------------------------------------

// ParseAttendance decodes a bulk attendance download. The record layout is
// selected by recordSize, which the caller derives from the advertised
// total size and the device's record counter. Unknown sizes fail closed.
func ParseAttendance(data []byte, recordSize int) ([]Attendance, error) {
	switch recordSize {
	case attRecord8, attRecord16, attRecord40:
	default:
		return nil, fmt.Errorf("attendance record size %d: %w", recordSize, ErrProtocol)
	}
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("attendance body %d bytes not a multiple of %d: %w",
			len(data), recordSize, ErrProtocol)
	}

	out := make([]Attendance, 0, len(data)/recordSize)
	for off := 0; off+recordSize <= len(data); off += recordSize {
		rec := data[off : off+recordSize]
		var att Attendance
		switch recordSize {
		case attRecord8:
			// uid:u16, status:u8, time:4B, punch:u8
			att.UID = binary.LittleEndian.Uint16(rec[0:2])
			att.Status = rec[2]
			att.Timestamp = DecodeTime(binary.LittleEndian.Uint32(rec[3:7]))
			att.Punch = rec[7]
			att.UserID = strconv.FormatUint(uint64(att.UID), 10)
		case attRecord16:
			// user_id:u32, time:4B, status:u8, punch:u8, 2B reserved,
			// workcode:u32 (discarded)
			att.UserID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[0:4])), 10)
			att.Timestamp = DecodeTime(binary.LittleEndian.Uint32(rec[4:8]))
			att.Status = rec[8]
			att.Punch = rec[9]
		case attRecord40:
			// uid:u16, user_id:24B, status:u8, time:4B, punch:u8, 8B reserved
			att.UID = binary.LittleEndian.Uint16(rec[0:2])
			att.UserID = cstr(rec[2:26])
			att.Status = rec[26]
			att.Timestamp = DecodeTime(binary.LittleEndian.Uint32(rec[27:31]))
			att.Punch = rec[31]
		}
		out = append(out, att)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// User Parsing
// -------------------------------------------------------------------------

// ParseUsers decodes a bulk user download using the negotiated packet
// size, 28 or 72 bytes per record.
func ParseUsers(data []byte, packetSize int) ([]User, error) {
	switch packetSize {
	case userRecordNarrow, userRecordWide:
	default:
		return nil, fmt.Errorf("user record size %d: %w", packetSize, ErrProtocol)
	}
	if len(data)%packetSize != 0 {
		return nil, fmt.Errorf("user body %d bytes not a multiple of %d: %w",
			len(data), packetSize, ErrProtocol)
	}

	out := make([]User, 0, len(data)/packetSize)
	for off := 0; off+packetSize <= len(data); off += packetSize {
		rec := data[off : off+packetSize]
		var u User
		if packetSize == userRecordNarrow {
			// uid:u16, privilege:u8, password:5B, name:8B, card:u32,
			// 1B, group:u8, 2B, user_id:u32
			u.UID = binary.LittleEndian.Uint16(rec[0:2])
			u.Privilege = rec[2]
			u.Password = cstr(rec[3:8])
			u.Name = cstr(rec[8:16])
			u.Card = binary.LittleEndian.Uint32(rec[16:20])
			u.GroupID = strconv.Itoa(int(rec[21]))
			u.UserID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:28])), 10)
		} else {
			// uid:u16, privilege:u8, password:8B, name:24B, card:u32,
			// group:7B, 1B, user_id:24B
			u.UID = binary.LittleEndian.Uint16(rec[0:2])
			u.Privilege = rec[2]
			u.Password = cstr(rec[3:11])
			u.Name = cstr(rec[11:35])
			u.Card = binary.LittleEndian.Uint32(rec[35:39])
			u.GroupID = cstr(rec[39:46])
			u.UserID = cstr(rec[48:72])
		}
		if u.Name == "" {
			u.Name = "NN-" + u.UserID
		}
		out = append(out, u)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Live-Capture Event Parsing
// -------------------------------------------------------------------------

// parseLiveRecords drains a REG_EVENT payload into attendance events. The
// payload holds one or more records whose layout is selected by the
// remaining length: 12, 32, 36, or 52-and-above bytes.
func parseLiveRecords(payload []byte) ([]Attendance, error) {
	var out []Attendance
	for len(payload) > 0 {
		var (
			userID  string
			status  uint8
			punch   uint8
			timehex []byte
			consume int
		)
		switch n := len(payload); {
		case n == 12:
			// user_id:u32, status:u8, punch:u8, timehex:6B
			userID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(payload[0:4])), 10)
			status = payload[4]
			punch = payload[5]
			timehex = payload[6:12]
			consume = 12
		case n == 32:
			userID = cstr(payload[0:24])
			status = payload[24]
			punch = payload[25]
			timehex = payload[26:32]
			consume = 32
		case n == 36:
			userID = cstr(payload[0:24])
			status = payload[24]
			punch = payload[25]
			timehex = payload[26:32]
			consume = 36
		case n >= 52:
			userID = cstr(payload[0:24])
			status = payload[24]
			punch = payload[25]
			timehex = payload[26:32]
			consume = 52
		default:
			return out, fmt.Errorf("live event payload %d bytes: %w", len(payload), ErrProtocol)
		}
		ts, err := DecodeTimeHex(timehex)
		if err != nil {
			return out, err
		}
		out = append(out, Attendance{
			UserID:    userID,
			Timestamp: ts,
			Status:    status,
			Punch:     punch,
		})
		payload = payload[consume:]
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Free-Sizes Parsing
// -------------------------------------------------------------------------

// parseFreeSizes decodes the CMD_GET_FREE_SIZES reply: twenty 32-bit
// little-endian integers.
func parseFreeSizes(payload []byte) (DeviceSizes, error) {
	const want = 20 * 4
	if len(payload) < want {
		return DeviceSizes{}, fmt.Errorf("free sizes payload %d bytes, need %d: %w",
			len(payload), want, ErrProtocol)
	}
	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))) //nolint:gosec // G115: device counters fit int32
	}
	return DeviceSizes{
		Users:        field(4),
		Fingers:      field(6),
		Records:      field(8),
		FingerCap:    field(14),
		UserCapacity: field(15),
		RecordCap:    field(16),
	}, nil
}
