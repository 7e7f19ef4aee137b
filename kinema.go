// Package kinema exposes the playback engine to embedding programs: open
// a container through a capability Driver, run the controller loop, post
// commands and consume events.
//
//	p, err := kinema.Open(ctx, drv, kinema.DefaultOptions(), nil, nil, nil)
//	if err != nil { ... }
//	go p.Run(ctx)
//	for ev := range p.Events() { ... }
//
// The engine packages live under internal/; this package aliases the
// types that form the public surface.
package kinema

import (
	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/player"
)

// Engine surface.
type (
	Player  = player.Player
	Options = player.Options
	Driver  = player.Driver
)

// Capability interfaces implemented by input adapters.
type (
	Demuxer          = driver.Demuxer
	DecoderFactory   = driver.DecoderFactory
	CodecDecoder     = driver.Decoder
	SubtitleDecoder  = driver.SubtitleDecoder
	Resampler        = driver.Resampler
	AudioSink        = driver.AudioSink
	FilterGraph      = driver.FilterGraph
	StreamInfo       = driver.StreamInfo
	ContainerInfo    = driver.ContainerInfo
	Chapter          = driver.Chapter
	NewResamplerFunc = driver.NewResamplerFunc
)

// Commands.
type (
	Command    = player.Command
	Quit       = player.Quit
	Pause      = player.Pause
	Volume     = player.Volume
	NextFrame  = player.NextFrame
	PrevFrame  = player.PrevFrame
	Speed      = player.Speed
	ChapterCmd = player.Chapter
	Seek       = player.Seek
)

// Events.
type (
	Event         = player.Event
	LogEvent      = player.LogEvent
	TimeEvent     = player.TimeEvent
	StatusEvent   = player.StatusEvent
	MetaEvent     = player.MetaEvent
	StaticsEvent  = player.StaticsEvent
	PictureEvent  = player.PictureEvent
	SubtitleEvent = player.SubtitleEvent
	ErrorEvent    = player.ErrorEvent
	EndEvent      = player.EndEvent
)

// SyncType selects the master clock preference in Options.
type SyncType = clock.SyncType

// Master clock preferences.
const (
	SyncAudio    = clock.SyncAudio
	SyncVideo    = clock.SyncVideo
	SyncExternal = clock.SyncExternal
)

// Open creates a playback session; see player.Open.
var Open = player.Open

// DefaultOptions mirrors the reference command-line defaults.
var DefaultOptions = player.DefaultOptions
