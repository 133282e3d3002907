package zk

import "fmt"

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// DefaultPort is the TCP/UDP port ZKTeco terminals listen on.
const DefaultPort = 4370

// TCP length-prefix magic words. Every frame sent over TCP is preceded by
// an 8-byte top header: the two magic words followed by a 32-bit
// little-endian length of header plus payload.
const (
	magic1 uint16 = 0x5050
	magic2 uint16 = 0x0827
)

// ushrtMax is the 16-bit wrap boundary for reply ids and checksums.
const ushrtMax = 65535

// headerSize is the fixed frame header: command, checksum, session id,
// reply id -- four little-endian 16-bit fields.
const headerSize = 8

// tcpTopSize is the TCP length-prefix size (magic1, magic2, uint32 length).
const tcpTopSize = 8

// udpRecvSize is the datagram receive buffer: 1024 bytes of payload plus
// the 8-byte header.
const udpRecvSize = 1032

// Buffered-read chunk ceilings. The chunked path (CmdPrepareBuffer /
// CmdReadBuffer) requests at most this many bytes per chunk.
const (
	maxChunkTCP = 65472
	maxChunkUDP = 16384
)

// Command is a 16-bit protocol command code.
type Command uint16

// Request command codes.
const (
	CmdDBRead        Command = 7
	CmdUserWrite     Command = 8
	CmdUserTempRead  Command = 9
	CmdOptionsRead   Command = 11
	CmdOptionsWrite  Command = 12
	CmdAttLogRead    Command = 13
	CmdClearAttLog   Command = 14
	CmdDeleteUser    Command = 18
	CmdUnlock        Command = 31
	CmdGetFreeSizes  Command = 50
	CmdStartVerify   Command = 60
	CmdStartEnroll   Command = 61
	CmdCancelCapture Command = 62
	CmdRegEvent      Command = 500
	CmdConnect       Command = 1000
	CmdExit          Command = 1001
	CmdEnableDevice  Command = 1002
	CmdDisableDevice Command = 1003
	CmdRestart       Command = 1004
	CmdPowerOff      Command = 1005
	CmdRefreshData   Command = 1013
	CmdTestVoice     Command = 1017
	CmdGetVersion    Command = 1100
	CmdAuth          Command = 1102
	CmdGetTime       Command = 201
	CmdSetTime       Command = 202
	CmdPrepareData   Command = 1500
	CmdData          Command = 1501
	CmdFreeData      Command = 1502
	CmdPrepareBuffer Command = 1503
	CmdReadBuffer    Command = 1504
)

// Reply command codes.
const (
	CmdAckOK      Command = 2000
	CmdAckError   Command = 2001
	CmdAckUnknown Command = 2004
	CmdAckUnauth  Command = 2005
)

// Event registration flags (CmdRegEvent payload).
const (
	// EFAttLog subscribes to real-time attendance punches.
	EFAttLog uint32 = 1
)

// Buffered-read table selectors (the "fct" field of CmdPrepareBuffer).
const (
	FctFingerTemplate uint32 = 2
	FctUser           uint32 = 5
)

// commandNames maps well-known command codes to mnemonic strings for logs.
var commandNames = map[Command]string{
	CmdDBRead:        "DB_RRQ",
	CmdUserWrite:     "USER_WRQ",
	CmdUserTempRead:  "USERTEMP_RRQ",
	CmdOptionsRead:   "OPTIONS_RRQ",
	CmdOptionsWrite:  "OPTIONS_WRQ",
	CmdAttLogRead:    "ATTLOG_RRQ",
	CmdClearAttLog:   "CLEAR_ATTLOG",
	CmdDeleteUser:    "DELETE_USER",
	CmdUnlock:        "UNLOCK",
	CmdGetFreeSizes:  "GET_FREE_SIZES",
	CmdStartVerify:   "STARTVERIFY",
	CmdStartEnroll:   "STARTENROLL",
	CmdCancelCapture: "CANCELCAPTURE",
	CmdRegEvent:      "REG_EVENT",
	CmdConnect:       "CONNECT",
	CmdExit:          "EXIT",
	CmdEnableDevice:  "ENABLEDEVICE",
	CmdDisableDevice: "DISABLEDEVICE",
	CmdRestart:       "RESTART",
	CmdPowerOff:      "POWEROFF",
	CmdRefreshData:   "REFRESHDATA",
	CmdTestVoice:     "TESTVOICE",
	CmdGetVersion:    "GET_VERSION",
	CmdAuth:          "AUTH",
	CmdGetTime:       "GET_TIME",
	CmdSetTime:       "SET_TIME",
	CmdPrepareData:   "PREPARE_DATA",
	CmdData:          "DATA",
	CmdFreeData:      "FREE_DATA",
	CmdPrepareBuffer: "PREPARE_BUFFER",
	CmdReadBuffer:    "READ_BUFFER",
	CmdAckOK:         "ACK_OK",
	CmdAckError:      "ACK_ERROR",
	CmdAckUnknown:    "ACK_UNKNOWN",
	CmdAckUnauth:     "ACK_UNAUTH",
}

// String returns the mnemonic name for the command code.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint16(c))
}
