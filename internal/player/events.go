package player

import (
	"log/slog"

	"github.com/stevevista/kinema/media"
)

// Event is anything the engine reports to its host: clock updates, decoded
// pictures, status transitions, and errors.
type Event interface{ isEvent() }

// Status is a coarse engine state transition reported to hosts.
type Status string

// Status values.
const (
	StatusStart     Status = "start"
	StatusPaused    Status = "paused"
	StatusResumed   Status = "resumed"
	StatusRewindEnd Status = "rewind_end"
)

// LogEvent mirrors an engine log record onto the event channel.
type LogEvent struct {
	Level   slog.Level
	Message string
}

// TimeEvent reports the master clock reading, emitted at up to 30 Hz.
type TimeEvent struct {
	Seconds float64
}

// StatusEvent reports a state transition.
type StatusEvent struct {
	Status Status
}

// MetaEvent describes the opened container, emitted once after open.
type MetaEvent struct {
	StartTime float64
	Duration  float64
	Width     int
	Height    int
	Info      map[string]string
}

// StaticsEvent reports the video stream's frame-rate and timebase figures,
// emitted once after open.
type StaticsEvent struct {
	FPS float64
	TBR float64
	TBN float64
	TBC float64
}

// Plane is one picture plane of a PictureEvent.
type Plane struct {
	Bytes  []byte
	Stride int
}

// PictureEvent carries one presented picture as planar YUV 4:2:0.
type PictureEvent struct {
	Width   int
	Height  int
	PTS     float64
	FrameID int64
	Y, U, V Plane
}

// SubtitleEvent surfaces a subtitle frame when its display window opens.
type SubtitleEvent struct {
	PTS   float64
	Frame *media.SubtitleFrame
}

// ErrorEvent reports a fatal engine error; an EndEvent follows.
type ErrorEvent struct {
	Err error
}

// EndEvent is the final event on the channel before it closes.
type EndEvent struct{}

func (LogEvent) isEvent()     {}
func (TimeEvent) isEvent()    {}
func (StatusEvent) isEvent()  {}
func (MetaEvent) isEvent()    {}
func (StaticsEvent) isEvent() {}
func (PictureEvent) isEvent()  {}
func (SubtitleEvent) isEvent() {}
func (ErrorEvent) isEvent()   {}
func (EndEvent) isEvent()     {}
