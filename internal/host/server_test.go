package host

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevista/kinema/internal/player"
)

func TestDispatchTable(t *testing.T) {
	t.Parallel()
	// Dispatch goes straight to Player.Post; validate the JSON → command
	// translation by table.
	cases := []struct {
		in   string
		want player.Command
	}{
		{`{"cmd":"quit"}`, player.Quit{}},
		{`{"cmd":"pause"}`, player.Pause{}},
		{`{"cmd":"volume","mode":1}`, player.Volume{Mode: 1}},
		{`{"cmd":"volume","mode":2,"value":0.5}`, player.Volume{Mode: 2, Value: 0.5}},
		{`{"cmd":"next_frame"}`, player.NextFrame{}},
		{`{"cmd":"prev_frame"}`, player.PrevFrame{}},
		{`{"cmd":"speed","value":-1}`, player.Speed{Value: -1}},
		{`{"cmd":"chapter","incr":-1}`, player.Chapter{Incr: -1}},
		{`{"cmd":"seek","mode":1,"value":10}`, player.Seek{Mode: 1, Value: 10}},
	}
	for _, tc := range cases {
		var c command
		require.NoError(t, json.Unmarshal([]byte(tc.in), &c))
		assert.Equal(t, tc.want, translate(c), "input %s", tc.in)
	}
}

func TestEncodeJSONEvents(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ev   player.Event
		want map[string]any
	}{
		{player.TimeEvent{Seconds: 1.5}, map[string]any{"event": "time", "seconds": 1.5}},
		{player.StatusEvent{Status: player.StatusRewindEnd}, map[string]any{"event": "status", "status": "rewind_end"}},
		{player.EndEvent{}, map[string]any{"event": "end"}},
	}
	for _, tc := range cases {
		data, err := encodeJSON(tc.ev)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, tc.want, got)
	}
}

func TestEncodePictureFraming(t *testing.T) {
	t.Parallel()
	ev := player.PictureEvent{
		Width:   4,
		Height:  2,
		FrameID: 77,
		PTS:     1.25,
		Y:       player.Plane{Bytes: make([]byte, 8), Stride: 4},
		U:       player.Plane{Bytes: make([]byte, 2), Stride: 2},
		V:       player.Plane{Bytes: make([]byte, 2), Stride: 2},
	}
	payload := encodePicture(ev)

	require.Len(t, payload, 36+8+2+2)
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(payload[0:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(payload[4:]))
	assert.Equal(t, uint64(77), binary.LittleEndian.Uint64(payload[8:]))
	assert.Equal(t, int64(1250000), int64(binary.LittleEndian.Uint64(payload[16:])))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(payload[24:]))
}
