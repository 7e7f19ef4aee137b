package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRationalSeconds(t *testing.T) {
	t.Parallel()
	tb := Rational{Num: 1, Den: 90000}

	assert.InDelta(t, 1.0, tb.Seconds(90000), 1e-9)
	assert.True(t, math.IsNaN(tb.Seconds(NoPTS)))
	assert.True(t, math.IsNaN(Rational{}.Seconds(100)))
	assert.Equal(t, int64(90000), tb.FromSeconds(1.0))
}

func TestRescale(t *testing.T) {
	t.Parallel()
	micro := Rational{Num: 1, Den: TimeBase}
	ninety := Rational{Num: 1, Den: 90000}

	assert.Equal(t, int64(1_000_000), Rescale(90000, ninety, micro))
	assert.Equal(t, int64(90000), Rescale(1_000_000, micro, ninety))
	assert.Equal(t, NoPTS, Rescale(NoPTS, ninety, micro))
}

func TestPacketSentinels(t *testing.T) {
	t.Parallel()

	f := Flush()
	assert.Equal(t, PacketFlush, f.Kind)
	assert.Zero(t, f.Size())

	n := Null(3)
	assert.Equal(t, PacketNull, n.Kind)
	assert.Equal(t, 3, n.Stream)

	d := Packet{PTS: NoPTS, DTS: 42}
	assert.Equal(t, int64(42), d.TS(), "TS falls back to DTS")
}
