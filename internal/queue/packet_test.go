package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevista/kinema/media"
)

func dataPacket(stream, size int, duration int64) media.Packet {
	return media.Packet{
		Stream:   stream,
		Payload:  make([]byte, size),
		Duration: duration,
		PTS:      0,
		DTS:      0,
	}
}

func TestPacketQueue_StartsAborted(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	assert.True(t, q.Aborted())

	q.Put(dataPacket(0, 10, 0))
	assert.Zero(t, q.Count(), "puts on an aborted queue are dropped")
}

func TestPacketQueue_StartBumpsSerial(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	assert.False(t, q.Aborted())
	assert.Equal(t, 1, q.Serial(), "the start flush advances into the first generation")

	// The flush sentinel itself is queued and carries the new serial.
	pkt, serial, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, media.PacketFlush, pkt.Kind)
	assert.Equal(t, 1, serial)
}

func TestPacketQueue_Conservation(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	q.Get() // drop the start flush

	sizes := []int{100, 250, 7}
	var total int
	for _, n := range sizes {
		q.Put(dataPacket(0, n, 40))
		total += n
	}
	assert.Equal(t, len(sizes), q.Count())
	assert.Equal(t, total, q.Size())
	assert.Equal(t, int64(40*len(sizes)), q.Duration())

	_, _, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, len(sizes)-1, q.Count())
	assert.Equal(t, total-100, q.Size())
	assert.Equal(t, int64(80), q.Duration())
}

func TestPacketQueue_FlushSentinelAdvancesSerial(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	before := q.Serial()
	q.Put(media.Flush())
	assert.Equal(t, before+1, q.Serial())
}

func TestPacketQueue_NextSerialDropsContents(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	q.Get()
	q.Put(dataPacket(0, 64, 0))
	q.Put(dataPacket(0, 64, 0))

	before := q.Serial()
	q.NextSerial()
	assert.Equal(t, before+1, q.Serial())

	pkt, serial, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, media.PacketFlush, pkt.Kind, "only the new flush sentinel survives")
	assert.Equal(t, before+1, serial)
	assert.Zero(t, q.Size())
}

func TestPacketQueue_HelperSerialTagging(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	q.Get()

	q.PutSerial(dataPacket(0, 8, 0), media.HelperSerial)
	_, serial, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, media.HelperSerial, serial)
}

func TestPacketQueue_AbortWakesBlockedGet(t *testing.T) {
	t.Parallel()
	q := NewPacketQueue()
	q.Start()
	q.Get()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Get()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on abort")
	}
	assert.Zero(t, q.Count(), "abort drains contents")
}

func TestPacketQueue_HasEnough(t *testing.T) {
	t.Parallel()
	tb := media.Rational{Num: 1, Den: 1000}

	t.Run("below packet threshold", func(t *testing.T) {
		q := NewPacketQueue()
		q.Start()
		q.Get()
		for i := 0; i < enoughPackets; i++ {
			q.Put(dataPacket(0, 1, 100))
		}
		assert.False(t, q.HasEnough(tb), "needs strictly more than the packet floor")
	})

	t.Run("enough packets and duration", func(t *testing.T) {
		q := NewPacketQueue()
		q.Start()
		q.Get()
		for i := 0; i < enoughPackets+1; i++ {
			q.Put(dataPacket(0, 1, 100)) // 100 ms each, 2.6 s total
		}
		assert.True(t, q.HasEnough(tb))
	})

	t.Run("enough packets but too little duration", func(t *testing.T) {
		q := NewPacketQueue()
		q.Start()
		q.Get()
		for i := 0; i < enoughPackets+1; i++ {
			q.Put(dataPacket(0, 1, 10)) // 0.26 s total
		}
		assert.False(t, q.HasEnough(tb))
	})

	t.Run("no duration metadata counts packets only", func(t *testing.T) {
		q := NewPacketQueue()
		q.Start()
		q.Get()
		for i := 0; i < enoughPackets+1; i++ {
			q.Put(dataPacket(0, 1, 0))
		}
		assert.True(t, q.HasEnough(tb))
	})

	t.Run("aborted queue always has enough", func(t *testing.T) {
		q := NewPacketQueue()
		assert.True(t, q.HasEnough(tb))
	})
}
