package player

import (
	"time"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/media"
)

// Options are the user-facing tunables, normally populated from flags by
// the embedding command.
type Options struct {
	// Stream selection. WantedStreams maps a stream kind to a preferred
	// stream index; absent kinds are auto-selected.
	AudioDisable    bool
	SubtitleDisable bool
	DataDisable     bool
	WantedStreams   map[media.StreamKind]int

	// Play range. Zero values mean "whole file".
	StartTime time.Duration
	Duration  time.Duration

	// SeekByBytes: 1 on, 0 off, -1 decide from the container.
	SeekByBytes int
	// SeekInterval is the step of relative seeks issued by hosts, seconds.
	SeekInterval float64

	Volume int
	Muted  bool

	InputFormat string

	// Codec passthroughs.
	Fast              bool
	GenPTS            bool
	Lowres            int
	DecoderReorderPTS int
	AudioCodecName    string
	VideoCodecName    string
	SubtitleCodecName string

	SyncType clock.SyncType
	// Framedrop: >0 always drop late frames, 0 never, <0 drop unless video
	// is the master clock.
	Framedrop      int
	InfiniteBuffer int

	VideoFilters  []string
	AudioFilters  string
	FilterThreads int

	ShowStatus bool
}

// DefaultOptions mirrors the defaults of the reference command line.
func DefaultOptions() Options {
	return Options{
		SeekByBytes:       -1,
		SeekInterval:      10,
		Volume:            100,
		DecoderReorderPTS: -1,
		SyncType:          clock.SyncAudio,
		Framedrop:         -1,
		InfiniteBuffer:    -1,
	}
}
