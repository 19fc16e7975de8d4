package tcp

import (
	"bytes"
	"fmt"

	"callbridge/internal/protocol"
)

// BroadcastKind is the stage of a call event pushed to clients.
type BroadcastKind int

const (
	KindMessage BroadcastKind = iota
	KindUpdate
	KindDisconnect
	KindComplete
)

func (k BroadcastKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindUpdate:
		return "update"
	case KindDisconnect:
		return "disconnect"
	case KindComplete:
		return "complete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// tag is the one-byte record type legacy clients switch on.
func (k BroadcastKind) tag() (byte, bool) {
	switch k {
	case KindMessage:
		return 'm', true
	case KindUpdate:
		return 'u', true
	case KindDisconnect:
		return 'd', true
	case KindComplete:
		return 'c', true
	}
	return 0, false
}

// stage is the header flag carried by structured CALL_EVENT pushes.
func (k BroadcastKind) stage() uint16 {
	switch k {
	case KindMessage:
		return protocol.FlagStageInit
	case KindUpdate:
		return protocol.FlagStageUpdate
	case KindComplete:
		return protocol.FlagStageComplete
	}
	return 0
}

func (k BroadcastKind) listenBit() uint32 {
	switch k {
	case KindMessage:
		return ListenMessage
	case KindUpdate:
		return ListenUpdate
	case KindComplete:
		return ListenComplete
	}
	return 0 // disconnect is always delivered
}

// Field widths of the fixed legacy record, in wire order. Every field is a
// NUL-terminated string padded with zeros.
var legacyFieldWidths = [...]int{
	32,  // number
	32,  // number, complete
	256, // name
	16,  // date
	16,  // time
	16,  // msn
	256, // alias
	256, // service
	256, // fix
	256, // area
	16,  // area code
}

// LegacyRecordSize is the size of one unframed legacy broadcast.
const LegacyRecordSize = 1 + 1408

func legacyFields(ev *protocol.CallEvent) []*string {
	return []*string{
		&ev.Number, &ev.NumberComplete, &ev.Name, &ev.Date, &ev.Time,
		&ev.MSN, &ev.Alias, &ev.Service, &ev.Fix, &ev.Area, &ev.AreaCode,
	}
}

// EncodeLegacyRecord lays out the tag byte followed by the fixed-width call
// record. A nil event sends an all-zero record. Values longer than their
// field are cut so the terminating NUL always fits.
func EncodeLegacyRecord(kind BroadcastKind, ev *protocol.CallEvent) ([]byte, error) {
	tag, ok := kind.tag()
	if !ok {
		return nil, fmt.Errorf("tcp: unknown broadcast kind %d", int(kind))
	}
	buf := make([]byte, LegacyRecordSize)
	buf[0] = tag
	if ev == nil {
		return buf, nil
	}
	pos := 1
	for i, field := range legacyFields(ev) {
		width := legacyFieldWidths[i]
		s := *field
		if len(s) > width-1 {
			s = s[:width-1]
		}
		copy(buf[pos:pos+width], s)
		pos += width
	}
	return buf, nil
}

// DecodeLegacyRecord is the inverse of EncodeLegacyRecord. The event id is
// not part of the legacy record and stays empty.
func DecodeLegacyRecord(b []byte) (BroadcastKind, protocol.CallEvent, error) {
	var ev protocol.CallEvent
	if len(b) != LegacyRecordSize {
		return 0, ev, fmt.Errorf("tcp: legacy record of %d bytes, want %d", len(b), LegacyRecordSize)
	}
	var kind BroadcastKind
	switch b[0] {
	case 'm':
		kind = KindMessage
	case 'u':
		kind = KindUpdate
	case 'd':
		kind = KindDisconnect
	case 'c':
		kind = KindComplete
	default:
		return 0, ev, fmt.Errorf("tcp: unknown legacy tag %q", b[0])
	}
	pos := 1
	for i, field := range legacyFields(&ev) {
		width := legacyFieldWidths[i]
		raw := b[pos : pos+width]
		if end := bytes.IndexByte(raw, 0); end >= 0 {
			raw = raw[:end]
		}
		*field = string(raw)
		pos += width
	}
	return kind, ev, nil
}
