// Package callmonitor reads the line-oriented call-monitor feed of the
// telephone router and turns each line into a Notification.
package callmonitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedLine = errors.New("callmonitor: malformed notification")

// DateLayout is the timestamp format at the start of every line.
const DateLayout = "02.01.06 15:04:05"

type MessageType int

const (
	TypeCall MessageType = iota // outgoing call
	TypeRing                    // incoming call
	TypeConnect
	TypeDisconnect
)

var typeNames = [...]string{
	TypeCall:       "CALL",
	TypeRing:       "RING",
	TypeConnect:    "CONNECT",
	TypeDisconnect: "DISCONNECT",
}

// minFields counts the date and type fields too.
var minFields = [...]int{
	TypeCall:       6,
	TypeRing:       5,
	TypeConnect:    5,
	TypeDisconnect: 4,
}

func (t MessageType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

func parseType(s string) (MessageType, bool) {
	for i, name := range typeNames {
		if name == s {
			return MessageType(i), true
		}
	}
	return 0, false
}

// Notification is one parsed line.
//
//	date;RING;id;caller;msn;protocol;
//	date;CALL;id;extension;msn;callee;protocol;
//	date;CONNECT;id;extension;number;
//	date;DISCONNECT;id;seconds;
type Notification struct {
	Type         MessageType
	Time         time.Time // zero when the date field did not parse
	ConnectionID int
	Extension    int    // CALL, CONNECT
	Caller       string // RING: remote number; CALL: own line used
	Called       string // RING: own line rung; CALL: remote number
	Number       string // CONNECT: remote number
	Duration     time.Duration
}

// Parse reads one line in loc. Unknown types and lines missing the fields
// their type needs are rejected with ErrMalformedLine.
func Parse(line string, loc *time.Location) (Notification, error) {
	if loc == nil {
		loc = time.Local
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ";")
	if len(fields) < 4 {
		return Notification{}, fmt.Errorf("%w: %d fields in %q", ErrMalformedLine, len(fields), line)
	}

	typ, ok := parseType(fields[1])
	if !ok {
		return Notification{}, fmt.Errorf("%w: unknown type %q", ErrMalformedLine, fields[1])
	}
	n := Notification{Type: typ}
	if ts, err := time.ParseInLocation(DateLayout, strings.TrimSpace(fields[0]), loc); err == nil {
		n.Time = ts
	}
	n.ConnectionID, _ = strconv.Atoi(fields[2])

	if need := minFields[typ]; len(fields) < need {
		return Notification{}, fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformedLine, fields[1], need, len(fields))
	}

	switch typ {
	case TypeRing:
		n.Caller = fields[3]
		n.Called = fields[4]
	case TypeCall:
		n.Extension, _ = strconv.Atoi(fields[3])
		n.Caller = fields[4]
		n.Called = fields[5]
	case TypeConnect:
		n.Extension, _ = strconv.Atoi(fields[3])
		n.Number = fields[4]
	case TypeDisconnect:
		secs, _ := strconv.ParseUint(fields[3], 10, 32)
		n.Duration = time.Duration(secs) * time.Second
	}
	return n, nil
}
