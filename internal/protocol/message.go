package protocol

import (
	"fmt"
	"math"
)

// Error codes carried in the first field of every response payload.
const (
	ErrCodeOK          uint16 = 0
	ErrCodeFailed      uint16 = 1
	ErrCodeNotFound    uint16 = 2
	ErrCodeUnsupported uint16 = 3
)

// Body is the typed payload of one (command, subcommand) pair.
type Body interface {
	Command() Command
	Subcommand() Subcommand
	size() int
	encode(w *writer) error
}

// Message is one logical message: routing fields plus a typed body.
type Message struct {
	ClientID  uint16
	MessageID uint32
	Flags     uint16
	Body      Body
}

// Marshal returns the header of m with TotalSize filled in, and the encoded payload.
func Marshal(m Message) (Header, []byte, error) {
	if m.Body == nil {
		return Header{}, nil, fmt.Errorf("%w: nil body", ErrUnsupportedMessage)
	}
	if _, ok := decoders[bodyKey{m.Body.Command(), m.Body.Subcommand()}]; !ok {
		return Header{}, nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedMessage, m.Body.Command(), m.Body.Subcommand())
	}
	size := m.Body.size()
	if uint64(size) > math.MaxUint32 {
		return Header{}, nil, fmt.Errorf("%w: payload of %d bytes", ErrFrameBounds, size)
	}
	w := newWriter(size)
	if err := m.Body.encode(w); err != nil {
		return Header{}, nil, err
	}
	h := Header{
		ClientID:   m.ClientID,
		Command:    m.Body.Command(),
		Subcommand: m.Body.Subcommand(),
		MessageID:  m.MessageID,
		Flags:      m.Flags,
		TotalSize:  uint32(len(w.buf)),
	}
	return h, w.buf, nil
}

// Unmarshal decodes payload according to the command and subcommand in h.
// This is the single place unknown pairs are rejected.
func Unmarshal(h Header, payload []byte) (Message, error) {
	decode, ok := decoders[bodyKey{h.Command, h.Subcommand}]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedMessage, h.Command, h.Subcommand)
	}
	r := newReader(payload)
	body, err := decode(r)
	if err != nil {
		return Message{}, fmt.Errorf("decode %s/%s: %w", h.Command, h.Subcommand, err)
	}
	if r.remaining() != 0 {
		return Message{}, fmt.Errorf("decode %s/%s: %w (%d)", h.Command, h.Subcommand, ErrTrailingBytes, r.remaining())
	}
	return Message{
		ClientID:  h.ClientID,
		MessageID: h.MessageID,
		Flags:     h.Flags,
		Body:      body,
	}, nil
}

type bodyKey struct {
	cmd Command
	sub Subcommand
}

var decoders = map[bodyKey]func(r *reader) (Body, error){
	{CmdRegister, SubQuery}:         decodeRegisterQuery,
	{CmdRegister, SubResponse}:      decodeRegisterResponse,
	{CmdCallerList, SubQuery}:       decodeCallerListQuery,
	{CmdCallerList, SubResponse}:    decodeCallerListResponse,
	{CmdReadCaller, SubQuery}:       decodeReadCallerQuery,
	{CmdReadCaller, SubResponse}:    decodeReadCallerResponse,
	{CmdWriteCaller, SubQuery}:      decodeWriteCallerQuery,
	{CmdWriteCaller, SubResponse}:   decodeWriteCallerResponse,
	{CmdWriteCall, SubQuery}:        decodeWriteCallQuery,
	{CmdWriteCall, SubResponse}:     decodeWriteCallResponse,
	{CmdCallList, SubQuery}:         decodeCallListQuery,
	{CmdCallList, SubResponse}:      decodeCallListResponse,
	{CmdShowTables, SubQuery}:       decodeShowTablesQuery,
	{CmdShowTables, SubResponse}:    decodeShowTablesResponse,
	{CmdDescribeTable, SubQuery}:    decodeDescribeTableQuery,
	{CmdDescribeTable, SubResponse}: decodeDescribeTableResponse,
	{CmdDeleteCaller, SubQuery}:     decodeDeleteCallerQuery,
	{CmdDeleteCaller, SubResponse}:  decodeDeleteCallerResponse,
	{CmdListInfo, SubQuery}:         decodeListInfoQuery,
	{CmdListInfo, SubResponse}:      decodeListInfoResponse,
	{CmdListen, SubQuery}:           decodeListenQuery,
	{CmdListen, SubResponse}:        decodeListenResponse,
	{CmdVersion, SubQuery}:          decodeVersionQuery,
	{CmdVersion, SubResponse}:       decodeVersionResponse,
	{CmdLeave, SubQuery}:            decodeLeaveQuery,
	{CmdCallEvent, SubQuery}:        decodeCallEventPush,
	{CmdShutdown, SubQuery}:         decodeShutdownPush,
}

func stringsSize(list []string) int {
	n := 0
	for _, s := range list {
		n += StringSize(s)
	}
	return n
}

func countOf(list []string) (uint16, error) {
	if len(list) > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d strings", ErrInvalidTable, len(list))
	}
	return uint16(len(list)), nil
}

// REGISTER

type RegisterQuery struct{}

func (RegisterQuery) Command() Command        { return CmdRegister }
func (RegisterQuery) Subcommand() Subcommand  { return SubQuery }
func (RegisterQuery) size() int               { return 0 }
func (RegisterQuery) encode(w *writer) error  { return nil }
func decodeRegisterQuery(*reader) (Body, error) { return RegisterQuery{}, nil }

type RegisterResponse struct {
	ErrCode  uint16
	ClientID uint16
}

func (RegisterResponse) Command() Command       { return CmdRegister }
func (RegisterResponse) Subcommand() Subcommand { return SubResponse }
func (RegisterResponse) size() int              { return 4 }
func (b RegisterResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	w.u16(b.ClientID)
	return nil
}

func decodeRegisterResponse(r *reader) (Body, error) {
	var b RegisterResponse
	var err error
	if b.ErrCode, err = r.u16(); err != nil {
		return nil, err
	}
	if b.ClientID, err = r.u16(); err != nil {
		return nil, err
	}
	return b, nil
}

// CALLER_LIST

type CallerListQuery struct {
	UserID uint16
	Filter string
}

func (CallerListQuery) Command() Command       { return CmdCallerList }
func (CallerListQuery) Subcommand() Subcommand { return SubQuery }
func (b CallerListQuery) size() int            { return 2 + StringSize(b.Filter) }
func (b CallerListQuery) encode(w *writer) error {
	w.u16(b.UserID)
	return w.str(b.Filter)
}

func decodeCallerListQuery(r *reader) (Body, error) {
	var b CallerListQuery
	var err error
	if b.UserID, err = r.u16(); err != nil {
		return nil, err
	}
	if b.Filter, err = r.str(); err != nil {
		return nil, err
	}
	return b, nil
}

type CallerListResponse struct {
	ErrCode uint16
	Table   Table
}

func (CallerListResponse) Command() Command       { return CmdCallerList }
func (CallerListResponse) Subcommand() Subcommand { return SubResponse }
func (b CallerListResponse) size() int            { return 2 + SizeOf(b.Table) }
func (b CallerListResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	return w.table(b.Table)
}

func decodeCallerListResponse(r *reader) (Body, error) {
	code, t, err := decodeCodeTable(r)
	if err != nil {
		return nil, err
	}
	return CallerListResponse{ErrCode: code, Table: t}, nil
}

// READ_CALLER

type ReadCallerQuery struct {
	UserID uint16
	Flags  uint16
	Number string
}

func (ReadCallerQuery) Command() Command       { return CmdReadCaller }
func (ReadCallerQuery) Subcommand() Subcommand { return SubQuery }
func (b ReadCallerQuery) size() int            { return 4 + StringSize(b.Number) }
func (b ReadCallerQuery) encode(w *writer) error {
	w.u16(b.UserID)
	w.u16(b.Flags)
	return w.str(b.Number)
}

func decodeReadCallerQuery(r *reader) (Body, error) {
	var b ReadCallerQuery
	var err error
	if b.UserID, err = r.u16(); err != nil {
		return nil, err
	}
	if b.Flags, err = r.u16(); err != nil {
		return nil, err
	}
	if b.Number, err = r.str(); err != nil {
		return nil, err
	}
	return b, nil
}

type ReadCallerResponse struct {
	ErrCode uint16
	Table   Table
}

func (ReadCallerResponse) Command() Command       { return CmdReadCaller }
func (ReadCallerResponse) Subcommand() Subcommand { return SubResponse }
func (b ReadCallerResponse) size() int            { return 2 + SizeOf(b.Table) }
func (b ReadCallerResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	return w.table(b.Table)
}

func decodeReadCallerResponse(r *reader) (Body, error) {
	code, t, err := decodeCodeTable(r)
	if err != nil {
		return nil, err
	}
	return ReadCallerResponse{ErrCode: code, Table: t}, nil
}

// WRITE_CALLER

type WriteCallerQuery struct {
	UserID uint16
	Flags  uint16
	Table  Table
}

func (WriteCallerQuery) Command() Command       { return CmdWriteCaller }
func (WriteCallerQuery) Subcommand() Subcommand { return SubQuery }
func (b WriteCallerQuery) size() int            { return 4 + SizeOf(b.Table) }
func (b WriteCallerQuery) encode(w *writer) error {
	w.u16(b.UserID)
	w.u16(b.Flags)
	return w.table(b.Table)
}

func decodeWriteCallerQuery(r *reader) (Body, error) {
	var b WriteCallerQuery
	var err error
	if b.UserID, err = r.u16(); err != nil {
		return nil, err
	}
	if b.Flags, err = r.u16(); err != nil {
		return nil, err
	}
	if b.Table, err = r.table(); err != nil {
		return nil, err
	}
	return b, nil
}

type WriteCallerResponse struct {
	ErrCode uint16
	Index   uint32
}

func (WriteCallerResponse) Command() Command       { return CmdWriteCaller }
func (WriteCallerResponse) Subcommand() Subcommand { return SubResponse }
func (WriteCallerResponse) size() int              { return 6 }
func (b WriteCallerResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	w.u32(b.Index)
	return nil
}

func decodeWriteCallerResponse(r *reader) (Body, error) {
	code, index, err := decodeCodeIndex(r)
	if err != nil {
		return nil, err
	}
	return WriteCallerResponse{ErrCode: code, Index: index}, nil
}

// WRITE_CALL

type WriteCallQuery struct {
	Table Table
}

func (WriteCallQuery) Command() Command         { return CmdWriteCall }
func (WriteCallQuery) Subcommand() Subcommand   { return SubQuery }
func (b WriteCallQuery) size() int              { return SizeOf(b.Table) }
func (b WriteCallQuery) encode(w *writer) error { return w.table(b.Table) }

func decodeWriteCallQuery(r *reader) (Body, error) {
	t, err := r.table()
	if err != nil {
		return nil, err
	}
	return WriteCallQuery{Table: t}, nil
}

type WriteCallResponse struct {
	ErrCode uint16
	Index   uint32
}

func (WriteCallResponse) Command() Command       { return CmdWriteCall }
func (WriteCallResponse) Subcommand() Subcommand { return SubResponse }
func (WriteCallResponse) size() int              { return 6 }
func (b WriteCallResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	w.u32(b.Index)
	return nil
}

func decodeWriteCallResponse(r *reader) (Body, error) {
	code, index, err := decodeCodeIndex(r)
	if err != nil {
		return nil, err
	}
	return WriteCallResponse{ErrCode: code, Index: index}, nil
}

// CALL_LIST

type CallListQuery struct {
	Offset uint32
	Count  uint16
}

func (CallListQuery) Command() Command       { return CmdCallList }
func (CallListQuery) Subcommand() Subcommand { return SubQuery }
func (CallListQuery) size() int              { return 6 }
func (b CallListQuery) encode(w *writer) error {
	w.u32(b.Offset)
	w.u16(b.Count)
	return nil
}

func decodeCallListQuery(r *reader) (Body, error) {
	var b CallListQuery
	var err error
	if b.Offset, err = r.u32(); err != nil {
		return nil, err
	}
	if b.Count, err = r.u16(); err != nil {
		return nil, err
	}
	return b, nil
}

type CallListResponse struct {
	ErrCode uint16
	Table   Table
}

func (CallListResponse) Command() Command       { return CmdCallList }
func (CallListResponse) Subcommand() Subcommand { return SubResponse }
func (b CallListResponse) size() int            { return 2 + SizeOf(b.Table) }
func (b CallListResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	return w.table(b.Table)
}

func decodeCallListResponse(r *reader) (Body, error) {
	code, t, err := decodeCodeTable(r)
	if err != nil {
		return nil, err
	}
	return CallListResponse{ErrCode: code, Table: t}, nil
}

// SHOWTABLES

type ShowTablesQuery struct{}

func (ShowTablesQuery) Command() Command          { return CmdShowTables }
func (ShowTablesQuery) Subcommand() Subcommand    { return SubQuery }
func (ShowTablesQuery) size() int                 { return 0 }
func (ShowTablesQuery) encode(w *writer) error    { return nil }
func decodeShowTablesQuery(*reader) (Body, error) { return ShowTablesQuery{}, nil }

type ShowTablesResponse struct {
	ErrCode uint16
	Tables  []string
}

func (ShowTablesResponse) Command() Command       { return CmdShowTables }
func (ShowTablesResponse) Subcommand() Subcommand { return SubResponse }
func (b ShowTablesResponse) size() int            { return 4 + stringsSize(b.Tables) }
func (b ShowTablesResponse) encode(w *writer) error {
	return encodeCodeStrings(w, b.ErrCode, b.Tables)
}

func decodeShowTablesResponse(r *reader) (Body, error) {
	code, list, err := decodeCodeStrings(r)
	if err != nil {
		return nil, err
	}
	return ShowTablesResponse{ErrCode: code, Tables: list}, nil
}

// DESCRIBE_TABLE

type DescribeTableQuery struct {
	Name string
}

func (DescribeTableQuery) Command() Command         { return CmdDescribeTable }
func (DescribeTableQuery) Subcommand() Subcommand   { return SubQuery }
func (b DescribeTableQuery) size() int              { return StringSize(b.Name) }
func (b DescribeTableQuery) encode(w *writer) error { return w.str(b.Name) }

func decodeDescribeTableQuery(r *reader) (Body, error) {
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	return DescribeTableQuery{Name: name}, nil
}

type DescribeTableResponse struct {
	ErrCode uint16
	Columns []string
}

func (DescribeTableResponse) Command() Command       { return CmdDescribeTable }
func (DescribeTableResponse) Subcommand() Subcommand { return SubResponse }
func (b DescribeTableResponse) size() int            { return 4 + stringsSize(b.Columns) }
func (b DescribeTableResponse) encode(w *writer) error {
	return encodeCodeStrings(w, b.ErrCode, b.Columns)
}

func decodeDescribeTableResponse(r *reader) (Body, error) {
	code, list, err := decodeCodeStrings(r)
	if err != nil {
		return nil, err
	}
	return DescribeTableResponse{ErrCode: code, Columns: list}, nil
}

// DELETE_CALLER

// DeleteCallerQuery carries the number and name identifying the entry.
type DeleteCallerQuery struct {
	UserID  uint16
	Strings []string
}

func (DeleteCallerQuery) Command() Command       { return CmdDeleteCaller }
func (DeleteCallerQuery) Subcommand() Subcommand { return SubQuery }
func (b DeleteCallerQuery) size() int            { return 4 + stringsSize(b.Strings) }
func (b DeleteCallerQuery) encode(w *writer) error {
	w.u16(b.UserID)
	n, err := countOf(b.Strings)
	if err != nil {
		return err
	}
	w.u16(n)
	return w.strs(b.Strings)
}

func decodeDeleteCallerQuery(r *reader) (Body, error) {
	var b DeleteCallerQuery
	var err error
	if b.UserID, err = r.u16(); err != nil {
		return nil, err
	}
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if b.Strings, err = r.strs(int(n)); err != nil {
		return nil, err
	}
	return b, nil
}

type DeleteCallerResponse struct {
	ErrCode uint16
}

func (DeleteCallerResponse) Command() Command         { return CmdDeleteCaller }
func (DeleteCallerResponse) Subcommand() Subcommand   { return SubResponse }
func (DeleteCallerResponse) size() int                { return 2 }
func (b DeleteCallerResponse) encode(w *writer) error { w.u16(b.ErrCode); return nil }

func decodeDeleteCallerResponse(r *reader) (Body, error) {
	code, err := r.u16()
	if err != nil {
		return nil, err
	}
	return DeleteCallerResponse{ErrCode: code}, nil
}

// LIST_INFO

type ListInfoQuery struct{}

func (ListInfoQuery) Command() Command          { return CmdListInfo }
func (ListInfoQuery) Subcommand() Subcommand    { return SubQuery }
func (ListInfoQuery) size() int                 { return 0 }
func (ListInfoQuery) encode(w *writer) error    { return nil }
func decodeListInfoQuery(*reader) (Body, error) { return ListInfoQuery{}, nil }

type ListInfoResponse struct {
	ErrCode uint16
	Entries uint32
}

func (ListInfoResponse) Command() Command       { return CmdListInfo }
func (ListInfoResponse) Subcommand() Subcommand { return SubResponse }
func (ListInfoResponse) size() int              { return 6 }
func (b ListInfoResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	w.u32(b.Entries)
	return nil
}

func decodeListInfoResponse(r *reader) (Body, error) {
	code, n, err := decodeCodeIndex(r)
	if err != nil {
		return nil, err
	}
	return ListInfoResponse{ErrCode: code, Entries: n}, nil
}

// LISTEN

type ListenQuery struct {
	Mask uint32
}

func (ListenQuery) Command() Command         { return CmdListen }
func (ListenQuery) Subcommand() Subcommand   { return SubQuery }
func (ListenQuery) size() int                { return 4 }
func (b ListenQuery) encode(w *writer) error { w.u32(b.Mask); return nil }

func decodeListenQuery(r *reader) (Body, error) {
	mask, err := r.u32()
	if err != nil {
		return nil, err
	}
	return ListenQuery{Mask: mask}, nil
}

type ListenResponse struct {
	ErrCode uint16
}

func (ListenResponse) Command() Command         { return CmdListen }
func (ListenResponse) Subcommand() Subcommand   { return SubResponse }
func (ListenResponse) size() int                { return 2 }
func (b ListenResponse) encode(w *writer) error { w.u16(b.ErrCode); return nil }

func decodeListenResponse(r *reader) (Body, error) {
	code, err := r.u16()
	if err != nil {
		return nil, err
	}
	return ListenResponse{ErrCode: code}, nil
}

// VERSION

// VersionQuery announces the protocol version a client speaks.
type VersionQuery struct {
	Version Version
}

func (VersionQuery) Command() Command       { return CmdVersion }
func (VersionQuery) Subcommand() Subcommand { return SubQuery }
func (VersionQuery) size() int              { return 6 }
func (b VersionQuery) encode(w *writer) error {
	encodeVersion(w, b.Version)
	return nil
}

func decodeVersionQuery(r *reader) (Body, error) {
	v, err := decodeVersion(r)
	if err != nil {
		return nil, err
	}
	return VersionQuery{Version: v}, nil
}

type VersionResponse struct {
	ErrCode uint16
	Version Version
}

func (VersionResponse) Command() Command       { return CmdVersion }
func (VersionResponse) Subcommand() Subcommand { return SubResponse }
func (VersionResponse) size() int              { return 8 }
func (b VersionResponse) encode(w *writer) error {
	w.u16(b.ErrCode)
	encodeVersion(w, b.Version)
	return nil
}

func decodeVersionResponse(r *reader) (Body, error) {
	code, err := r.u16()
	if err != nil {
		return nil, err
	}
	v, err := decodeVersion(r)
	if err != nil {
		return nil, err
	}
	return VersionResponse{ErrCode: code, Version: v}, nil
}

// LEAVE

type LeaveQuery struct{}

func (LeaveQuery) Command() Command          { return CmdLeave }
func (LeaveQuery) Subcommand() Subcommand    { return SubQuery }
func (LeaveQuery) size() int                 { return 0 }
func (LeaveQuery) encode(w *writer) error    { return nil }
func decodeLeaveQuery(*reader) (Body, error) { return LeaveQuery{}, nil }

// CALL_EVENT

// CallEventPush is a server-initiated call event. The multipart stage travels
// in the header flags.
type CallEventPush struct {
	Event CallEvent
}

func (CallEventPush) Command() Command       { return CmdCallEvent }
func (CallEventPush) Subcommand() Subcommand { return SubQuery }
func (b CallEventPush) size() int            { return SizeOf(b.Event.Table()) }
func (b CallEventPush) encode(w *writer) error {
	return w.table(b.Event.Table())
}

func decodeCallEventPush(r *reader) (Body, error) {
	t, err := r.table()
	if err != nil {
		return nil, err
	}
	ev, err := CallEventFromTable(t)
	if err != nil {
		return nil, err
	}
	return CallEventPush{Event: ev}, nil
}

// SHUTDOWN

type ShutdownPush struct{}

func (ShutdownPush) Command() Command          { return CmdShutdown }
func (ShutdownPush) Subcommand() Subcommand    { return SubQuery }
func (ShutdownPush) size() int                 { return 0 }
func (ShutdownPush) encode(w *writer) error    { return nil }
func decodeShutdownPush(*reader) (Body, error) { return ShutdownPush{}, nil }

// shared layouts

func decodeCodeTable(r *reader) (uint16, Table, error) {
	code, err := r.u16()
	if err != nil {
		return 0, Table{}, err
	}
	t, err := r.table()
	if err != nil {
		return 0, Table{}, err
	}
	return code, t, nil
}

func decodeCodeIndex(r *reader) (uint16, uint32, error) {
	code, err := r.u16()
	if err != nil {
		return 0, 0, err
	}
	index, err := r.u32()
	if err != nil {
		return 0, 0, err
	}
	return code, index, nil
}

func encodeCodeStrings(w *writer, code uint16, list []string) error {
	n, err := countOf(list)
	if err != nil {
		return err
	}
	w.u16(code)
	w.u16(n)
	return w.strs(list)
}

func decodeCodeStrings(r *reader) (uint16, []string, error) {
	code, err := r.u16()
	if err != nil {
		return 0, nil, err
	}
	n, err := r.u16()
	if err != nil {
		return 0, nil, err
	}
	list, err := r.strs(int(n))
	if err != nil {
		return 0, nil, err
	}
	return code, list, nil
}

func encodeVersion(w *writer, v Version) {
	w.u16(v.Major)
	w.u16(v.Minor)
	w.u16(v.Patch)
}

func decodeVersion(r *reader) (Version, error) {
	var v Version
	var err error
	if v.Major, err = r.u16(); err != nil {
		return Version{}, err
	}
	if v.Minor, err = r.u16(); err != nil {
		return Version{}, err
	}
	if v.Patch, err = r.u16(); err != nil {
		return Version{}, err
	}
	return v, nil
}
