// Package protocol implements the binary wire format shared by the broadcast
// server, its clients and the storage process: a fixed 22-byte little-endian
// header, length-prefixed strings, tables and one payload layout per
// (command, subcommand) pair. Nothing in this package performs I/O.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize   = 22
	TransferUnit = 2048
	// MaxPartSize is the largest payload slice a single frame can carry.
	MaxPartSize = TransferUnit - HeaderSize
)

// Command selects the payload layout of a message.
type Command uint8

const (
	CmdRegister      Command = 0x01
	CmdCallerList    Command = 0x02
	CmdReadCaller    Command = 0x03
	CmdWriteCaller   Command = 0x04
	CmdWriteCall     Command = 0x05
	CmdCallList      Command = 0x06
	CmdShowTables    Command = 0x07
	CmdDescribeTable Command = 0x08
	CmdDeleteCaller  Command = 0x09
	CmdListInfo      Command = 0x0a
	CmdListen        Command = 0x0b
	CmdVersion       Command = 0x0c
	CmdLeave         Command = 0x0d
	CmdCallEvent     Command = 0x0e
	CmdShutdown      Command = 0x0f
)

var commandNames = map[Command]string{
	CmdRegister:      "register",
	CmdCallerList:    "caller_list",
	CmdReadCaller:    "read_caller",
	CmdWriteCaller:   "write_caller",
	CmdWriteCall:     "write_call",
	CmdCallList:      "call_list",
	CmdShowTables:    "show_tables",
	CmdDescribeTable: "describe_table",
	CmdDeleteCaller:  "delete_caller",
	CmdListInfo:      "list_info",
	CmdListen:        "listen",
	CmdVersion:       "version",
	CmdLeave:         "leave",
	CmdCallEvent:     "call_event",
	CmdShutdown:      "shutdown",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(0x%02x)", uint8(c))
}

// Subcommand distinguishes a request from its answer.
type Subcommand uint8

const (
	SubQuery    Subcommand = 0x80
	SubResponse Subcommand = 0x81
)

func (s Subcommand) String() string {
	switch s {
	case SubQuery:
		return "query"
	case SubResponse:
		return "response"
	default:
		return fmt.Sprintf("subcommand(0x%02x)", uint8(s))
	}
}

// Header flags. The multipart stage bits tag CALL_EVENT pushes.
const (
	FlagStageInit     uint16 = 0x01
	FlagStageUpdate   uint16 = 0x02
	FlagStageComplete uint16 = 0x04
)

// Header is the fixed frame header. TotalSize is the full logical payload
// length; PartSize and Offset locate this frame's slice within it.
type Header struct {
	ClientID   uint16
	Command    Command
	Subcommand Subcommand
	MessageID  uint32
	Flags      uint16
	TotalSize  uint32
	PartSize   uint32
	Offset     uint32
}

// EncodeHeader lays out h in its 22-byte wire form.
func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), h)
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.ClientID)
	dst = append(dst, byte(h.Command), byte(h.Subcommand))
	dst = binary.LittleEndian.AppendUint32(dst, h.MessageID)
	dst = binary.LittleEndian.AppendUint16(dst, h.Flags)
	dst = binary.LittleEndian.AppendUint32(dst, h.TotalSize)
	dst = binary.LittleEndian.AppendUint32(dst, h.PartSize)
	dst = binary.LittleEndian.AppendUint32(dst, h.Offset)
	return dst
}

// DecodeHeader reads a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		ClientID:   binary.LittleEndian.Uint16(b[0:2]),
		Command:    Command(b[2]),
		Subcommand: Subcommand(b[3]),
		MessageID:  binary.LittleEndian.Uint32(b[4:8]),
		Flags:      binary.LittleEndian.Uint16(b[8:10]),
		TotalSize:  binary.LittleEndian.Uint32(b[10:14]),
		PartSize:   binary.LittleEndian.Uint32(b[14:18]),
		Offset:     binary.LittleEndian.Uint32(b[18:22]),
	}, nil
}

// CheckBounds verifies that the frame's slice lies inside the logical payload
// and fits into one transfer unit.
func (h Header) CheckBounds() error {
	if h.PartSize > MaxPartSize {
		return fmt.Errorf("%w: part size %d", ErrFrameBounds, h.PartSize)
	}
	if uint64(h.Offset)+uint64(h.PartSize) > uint64(h.TotalSize) {
		return fmt.Errorf("%w: offset %d + part %d > total %d", ErrFrameBounds, h.Offset, h.PartSize, h.TotalSize)
	}
	return nil
}
