package zk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for frame decoding failures.
var (
	// ErrFrameTooShort indicates the received data is shorter than the
	// 8-byte frame header.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrBadMagic indicates a TCP top header without the expected magic words.
	ErrBadMagic = errors.New("bad TCP magic")

	// ErrBadChecksum indicates the frame checksum does not match its content.
	ErrBadChecksum = errors.New("bad frame checksum")

	// ErrBadTimestamp indicates a device timestamp that does not decode to a
	// valid calendar time.
	ErrBadTimestamp = errors.New("bad device timestamp")
)

// -------------------------------------------------------------------------
// Header
// -------------------------------------------------------------------------

// Header is the fixed 8-byte frame header: four little-endian 16-bit
// fields in wire order.
type Header struct {
	Command   Command
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
}

// ParseHeader decodes the frame header from buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("parse header: got %d bytes, need %d: %w",
			len(buf), headerSize, ErrFrameTooShort)
	}
	return Header{
		Command:   Command(binary.LittleEndian.Uint16(buf[0:2])),
		Checksum:  binary.LittleEndian.Uint16(buf[2:4]),
		SessionID: binary.LittleEndian.Uint16(buf[4:6]),
		ReplyID:   binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// -------------------------------------------------------------------------
// Checksum
// -------------------------------------------------------------------------

// checksum computes the frame checksum: the one's complement of the 16-bit
// little-endian word sum of p, folded so intermediate sums above 65535 have
// 65535 subtracted. A trailing odd byte is added as-is. The final value is
// inverted and normalised into the non-negative 16-bit range.
func checksum(p []byte) uint16 {
	var sum uint32
	for len(p) > 1 {
		sum += uint32(binary.LittleEndian.Uint16(p[:2]))
		if sum > ushrtMax {
			sum -= ushrtMax
		}
		p = p[2:]
	}
	if len(p) == 1 {
		sum += uint32(p[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	inv := ^int32(sum)
	for inv < 0 {
		inv += ushrtMax
	}
	return uint16(inv) //nolint:gosec // G115: normalised into [0, 65535] above
}

// BuildFrame serialises a frame: the 8-byte header followed by payload,
// with the checksum computed over the complete frame (checksum field
// zeroed). The returned slice is freshly allocated.
func BuildFrame(cmd Command, sessionID, replyID uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(cmd))
	binary.LittleEndian.PutUint16(buf[4:6], sessionID)
	binary.LittleEndian.PutUint16(buf[6:8], replyID)
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint16(buf[2:4], checksum(buf))
	return buf
}

// VerifyFrame recomputes the checksum of a complete frame (header plus
// payload) and reports whether it matches the checksum field.
func VerifyFrame(frame []byte) bool {
	if len(frame) < headerSize {
		return false
	}
	got := binary.LittleEndian.Uint16(frame[2:4])
	scratch := make([]byte, len(frame))
	copy(scratch, frame)
	binary.LittleEndian.PutUint16(scratch[2:4], 0)
	return checksum(scratch) == got
}

// VerifyResponse recomputes the checksum from a parsed header and payload
// and reports whether it matches the header's checksum field.
func VerifyResponse(hdr Header, payload []byte) bool {
	frame := BuildFrame(hdr.Command, hdr.SessionID, hdr.ReplyID, payload)
	return binary.LittleEndian.Uint16(frame[2:4]) == hdr.Checksum
}

// -------------------------------------------------------------------------
// TCP Length Prefix
// -------------------------------------------------------------------------

// BuildTCPTop prepends the 8-byte TCP top header (magic words plus 32-bit
// little-endian frame length) to frame.
func BuildTCPTop(frame []byte) []byte {
	buf := make([]byte, tcpTopSize+len(frame))
	binary.LittleEndian.PutUint16(buf[0:2], magic1)
	binary.LittleEndian.PutUint16(buf[2:4], magic2)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(frame))) //nolint:gosec // G115: frame length bounded by protocol
	copy(buf[tcpTopSize:], frame)
	return buf
}

// ParseTCPTop validates the TCP top header and returns the advertised
// frame length (header plus payload).
func ParseTCPTop(top []byte) (uint32, error) {
	if len(top) < tcpTopSize {
		return 0, fmt.Errorf("parse tcp top: got %d bytes, need %d: %w",
			len(top), tcpTopSize, ErrFrameTooShort)
	}
	m1 := binary.LittleEndian.Uint16(top[0:2])
	m2 := binary.LittleEndian.Uint16(top[2:4])
	if m1 != magic1 || m2 != magic2 {
		return 0, fmt.Errorf("parse tcp top: magic %#04x %#04x: %w", m1, m2, ErrBadMagic)
	}
	return binary.LittleEndian.Uint32(top[4:8]), nil
}

// -------------------------------------------------------------------------
// Session Authentication Key
// -------------------------------------------------------------------------

// defaultCommKeyTicks is the tick counter used by MakeCommKey when the
// caller has no better value. Matches the vendor SDK default.
const defaultCommKeyTicks uint8 = 50

// MakeCommKey derives the 4-byte CMD_AUTH payload from the numeric device
// password and the session id assigned on CONNECT.
//
// The scramble is the vendor SDK's MakeKey: the password is bit-reversed
// in a 32-bit word, the session id is added, the little-endian bytes are
// XORed with "ZKSO" with the two 16-bit halves swapped, and finally each
// byte is mixed with the tick counter.
func MakeCommKey(password uint32, sessionID uint16, ticks uint8) [4]byte {
	var k uint32
	for i := 0; i < 32; i++ {
		k <<= 1
		if password&(1<<i) != 0 {
			k |= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	// Swap the two 16-bit halves.
	b = [4]byte{b[2], b[3], b[0], b[1]}

	return [4]byte{b[0] ^ ticks, b[1] ^ ticks, ticks, b[3] ^ ticks}
}

// -------------------------------------------------------------------------
// Timestamp Encodings
// -------------------------------------------------------------------------

// EncodeTime packs t into the device's 4-byte calendar encoding:
//
//	((yy*12 + mm-1)*31 + dd-1)*86400 + hh*3600 + mi*60 + ss
//
// where yy is the year modulo 100. The reference year is 2000.
func EncodeTime(t time.Time) uint32 {
	days := uint32(t.Year()%100)*12*31 + uint32(t.Month()-1)*31 + uint32(t.Day()-1) //nolint:gosec // G115: calendar fields are small non-negatives
	secs := uint32(t.Hour())*3600 + uint32(t.Minute())*60 + uint32(t.Second())      //nolint:gosec // G115: ditto
	return days*86400 + secs
}

// DecodeTime unpacks the 4-byte calendar encoding into a local time.
func DecodeTime(v uint32) time.Time {
	sec := int(v % 60)
	v /= 60
	minute := int(v % 60)
	v /= 60
	hour := int(v % 24)
	v /= 24
	day := int(v%31) + 1
	v /= 31
	month := time.Month(v%12) + 1
	v /= 12
	year := int(v) + 2000
	return time.Date(year, month, day, hour, minute, sec, 0, time.Local)
}

// DecodeTimeHex unpacks the 6-byte timestamp used in live-capture records:
// {year-2000, month, day, hour, minute, second} as unsigned bytes.
func DecodeTimeHex(b []byte) (time.Time, error) {
	if len(b) < 6 {
		return time.Time{}, fmt.Errorf("decode timehex: got %d bytes, need 6: %w",
			len(b), ErrBadTimestamp)
	}
	month := time.Month(b[1])
	if month < time.January || month > time.December || b[2] < 1 || b[2] > 31 ||
		b[3] > 23 || b[4] > 59 || b[5] > 59 {
		return time.Time{}, fmt.Errorf("decode timehex %v: %w", b[:6], ErrBadTimestamp)
	}
	return time.Date(2000+int(b[0]), month, int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, time.Local), nil
}

// EncodeTimeHex packs t into the 6-byte live-capture timestamp form.
func EncodeTimeHex(t time.Time) [6]byte {
	return [6]byte{
		byte(t.Year() - 2000),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
}
