package player

// Command is an input instruction posted by the host. Commands are
// dispatched on the controller goroutine in arrival order.
type Command interface{ isCommand() }

// Quit ends the event loop and tears playback down.
type Quit struct{}

// Pause toggles pause.
type Pause struct{}

// Volume adjusts the software volume. Mode 0 toggles mute, +1/-1 step the
// volume logarithmically, any other mode sets it from Value scaled by 100
// onto the 0..128 volume range (1.28 is full scale).
type Volume struct {
	Mode  int
	Value float64
}

// NextFrame advances exactly one picture at forward speed, leaving the
// engine paused.
type NextFrame struct{}

// PrevFrame steps back exactly one picture via reverse mode, leaving the
// engine paused.
type PrevFrame struct{}

// Speed sets the playback rate; negative values enter reverse mode.
type Speed struct {
	Value float64
}

// Chapter steps to the adjacent chapter, or ±10 minutes when the container
// has no usable chapter index.
type Chapter struct {
	Incr int
}

// SeekModeAbsolute, SeekModeRelative and SeekModeFrame are the Seek modes.
const (
	SeekModeAbsolute = 0
	SeekModeRelative = 1
	SeekModeFrame    = 2
)

// Seek requests a position change. Mode 0: absolute seconds; mode 1:
// relative seconds; mode 2: absolute frame id.
type Seek struct {
	Mode  int
	Value float64
}

func (Quit) isCommand()      {}
func (Pause) isCommand()     {}
func (Volume) isCommand()    {}
func (NextFrame) isCommand() {}
func (PrevFrame) isCommand() {}
func (Speed) isCommand()     {}
func (Chapter) isCommand()   {}
func (Seek) isCommand()      {}
