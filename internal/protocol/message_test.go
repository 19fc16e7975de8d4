package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() CallEvent {
	return CallEvent{
		ID:             "261018093015123",
		Number:         "1234567",
		NumberComplete: "0301234567",
		Name:           "Berlin",
		Date:           "2026-10-18",
		Time:           "09:30:15",
		MSN:            "555",
		Alias:          "Office",
		Service:        "Telefonie",
		Fix:            "Fix",
		Area:           "Berlin",
		AreaCode:       "030",
	}
}

func TestMessageRoundTrip(t *testing.T) {
	calls := CallEventsTable([]CallEvent{sampleEvent(), sampleEvent()})
	bodies := []Body{
		RegisterQuery{},
		RegisterResponse{ErrCode: ErrCodeOK, ClientID: 4},
		CallerListQuery{UserID: 1, Filter: "Doe"},
		CallerListResponse{Table: calls},
		ReadCallerQuery{UserID: 1, Flags: 2, Number: "0301234567"},
		ReadCallerResponse{ErrCode: ErrCodeNotFound, Table: Table{}},
		WriteCallerQuery{UserID: 1, Table: calls},
		WriteCallerResponse{Index: 9},
		WriteCallQuery{Table: sampleEvent().Table()},
		WriteCallResponse{ErrCode: ErrCodeFailed},
		CallListQuery{Offset: 20, Count: 10},
		CallListResponse{Table: calls},
		ShowTablesQuery{},
		ShowTablesResponse{Tables: []string{"calls", "callers"}},
		DescribeTableQuery{Name: "calls"},
		DescribeTableResponse{Columns: CallEventColumns()},
		DeleteCallerQuery{UserID: 3, Strings: []string{"0301234567", "Doe"}},
		DeleteCallerResponse{},
		ListInfoQuery{},
		ListInfoResponse{Entries: 1234},
		ListenQuery{Mask: 0x5},
		ListenResponse{},
		VersionQuery{Version: Version{3, 0, 1}},
		VersionResponse{Version: CurrentVersion},
		LeaveQuery{},
		CallEventPush{Event: sampleEvent()},
		ShutdownPush{},
	}
	for _, body := range bodies {
		t.Run(body.Command().String()+"/"+body.Subcommand().String(), func(t *testing.T) {
			in := Message{ClientID: 2, MessageID: 77, Flags: FlagStageInit, Body: body}
			h, payload, err := Marshal(in)
			require.NoError(t, err)
			assert.Equal(t, uint32(len(payload)), h.TotalSize)
			assert.Equal(t, body.size(), len(payload))

			out, err := Unmarshal(h, payload)
			require.NoError(t, err)
			assert.Equal(t, in.ClientID, out.ClientID)
			assert.Equal(t, in.MessageID, out.MessageID)
			assert.Equal(t, in.Flags, out.Flags)
			assert.Equal(t, body.Command(), out.Body.Command())
			assert.Equal(t, body.Subcommand(), out.Body.Subcommand())
		})
	}
}

func TestCallEventPushKeepsFields(t *testing.T) {
	h, payload, err := Marshal(Message{Body: CallEventPush{Event: sampleEvent()}})
	require.NoError(t, err)
	out, err := Unmarshal(h, payload)
	require.NoError(t, err)
	assert.Equal(t, sampleEvent(), out.Body.(CallEventPush).Event)
}

func TestUnmarshalUnsupported(t *testing.T) {
	_, err := Unmarshal(Header{Command: 0x42, Subcommand: SubQuery}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedMessage)

	_, err = Unmarshal(Header{Command: CmdShutdown, Subcommand: SubResponse}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedMessage)

	_, err = Unmarshal(Header{Command: CmdRegister, Subcommand: 0x10}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestUnmarshalTruncatedAndTrailing(t *testing.T) {
	h := Header{Command: CmdRegister, Subcommand: SubResponse}
	_, err := Unmarshal(h, []byte{0, 0, 1})
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Unmarshal(h, []byte{0, 0, 1, 0, 9})
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestMarshalNilBody(t *testing.T) {
	_, _, err := Marshal(Message{})
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestVersionCompare(t *testing.T) {
	assert.True(t, Version{3, 0, 0}.AtLeast(StructuredVersion))
	assert.True(t, Version{3, 9, 0}.AtLeast(Version{3, 0, 5}))
	assert.True(t, Version{4, 0, 0}.AtLeast(Version{3, 9, 9}))
	assert.False(t, Version{2, 9, 9}.AtLeast(StructuredVersion))
	assert.False(t, LegacyVersion.AtLeast(StructuredVersion))
	assert.Equal(t, 0, Version{1, 2, 3}.Compare(Version{1, 2, 3}))
	assert.Equal(t, -1, Version{1, 2, 3}.Compare(Version{1, 3, 0}))
	assert.Equal(t, 1, Version{1, 3, 0}.Compare(Version{1, 2, 9}))
	assert.Equal(t, 0, CurrentVersion.Compare(Version{3, 1, 0}))
	assert.True(t, CurrentVersion.AtLeast(CurrentVersion))
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.1.4")
	require.NoError(t, err)
	assert.Equal(t, Version{3, 1, 4}, v)

	v, err = ParseVersion("2")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 2}, v)

	_, err = ParseVersion("3.x")
	assert.Error(t, err)
	_, err = ParseVersion("")
	assert.Error(t, err)
}

func TestCallEventFromTableByName(t *testing.T) {
	tbl := Table{
		Columns: []string{"name", "number_complete", "extra"},
		Rows:    [][]string{{"Jane", "0301234567", "?"}},
	}
	ev, err := CallEventFromTable(tbl)
	require.NoError(t, err)
	assert.Equal(t, "Jane", ev.Name)
	assert.Equal(t, "0301234567", ev.NumberComplete)

	_, err = CallEventFromTable(NewTable("number"))
	assert.ErrorIs(t, err, ErrInvalidTable)
}
