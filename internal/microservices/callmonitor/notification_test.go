package callmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRing(t *testing.T) {
	n, err := Parse("18.10.26 09:30:15;RING;0;0301234567;4711;SIP0;\r\n", time.UTC)
	require.NoError(t, err)

	assert.Equal(t, TypeRing, n.Type)
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 15, 0, time.UTC), n.Time)
	assert.Equal(t, 0, n.ConnectionID)
	assert.Equal(t, "0301234567", n.Caller)
	assert.Equal(t, "4711", n.Called)
}

func TestParseCall(t *testing.T) {
	n, err := Parse("18.10.26 10:00:00;CALL;1;4;4711;0891234;SIP1;", time.UTC)
	require.NoError(t, err)

	assert.Equal(t, TypeCall, n.Type)
	assert.Equal(t, 1, n.ConnectionID)
	assert.Equal(t, 4, n.Extension)
	assert.Equal(t, "4711", n.Caller)
	assert.Equal(t, "0891234", n.Called)
}

func TestParseConnectAndDisconnect(t *testing.T) {
	n, err := Parse("18.10.26 10:00:05;CONNECT;1;4;0891234;", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, TypeConnect, n.Type)
	assert.Equal(t, "0891234", n.Number)

	n, err = Parse("18.10.26 10:02:05;DISCONNECT;1;120;", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, TypeDisconnect, n.Type)
	assert.Equal(t, 2*time.Minute, n.Duration)
}

func TestParseBadDateKeepsLine(t *testing.T) {
	n, err := Parse("yesterday;DISCONNECT;3;7;", time.UTC)
	require.NoError(t, err)
	assert.True(t, n.Time.IsZero())
	assert.Equal(t, 3, n.ConnectionID)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"too few fields": "18.10.26 10:00:00;RING;0",
		"unknown type":   "18.10.26 10:00:00;HANGUP;0;1;",
		"ring short":     "18.10.26 10:00:00;RING;0;030",
		"call short":     "18.10.26 10:00:00;CALL;0;1;4711",
		"connect short":  "18.10.26 10:00:00;CONNECT;0;1",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(line, time.UTC)
			assert.ErrorIs(t, err, ErrMalformedLine)
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "RING", TypeRing.String())
	assert.Equal(t, "DISCONNECT", TypeDisconnect.String())
	assert.Equal(t, "type(9)", MessageType(9).String())
}
