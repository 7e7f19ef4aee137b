// Package pasink adapts PortAudio as the engine's pull-model audio device.
package pasink

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/media"
)

// Sink drives the default output device through a PortAudio callback
// stream. The engine's pull function fills little-endian signed-16 PCM
// which is converted into PortAudio's sample buffer in place.
type Sink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []byte
	inited bool
}

// New initializes PortAudio and returns an unopened sink.
func New() (*Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("pasink: initialize: %w", err)
	}
	return &Sink{inited: true}, nil
}

// Open implements driver.AudioSink. A single attempt is made with the
// desired spec; the engine's negotiation ladder retries with reduced
// formats on failure.
func (s *Sink) Open(desired driver.SinkSpec, pull func([]byte)) (driver.SinkSpec, error) {
	if desired.Params.Format != media.SampleS16 {
		return driver.SinkSpec{}, driver.ErrUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return driver.SinkSpec{}, fmt.Errorf("pasink: already open")
	}

	cb := func(out []int16) {
		need := len(out) * 2
		if cap(s.buf) < need {
			s.buf = make([]byte, need)
		}
		b := s.buf[:need]
		pull(b)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
		}
	}

	stream, err := portaudio.OpenDefaultStream(
		0, desired.Params.Channels,
		float64(desired.Params.Rate),
		desired.BufferFrames,
		cb,
	)
	if err != nil {
		return driver.SinkSpec{}, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return driver.SinkSpec{}, err
	}
	s.stream = stream
	return desired, nil
}

// Pause implements driver.AudioSink.
//
// Stop blocks until pending buffers drain and stops callback delivery;
// Start resumes it. Both are safe against a missing stream.
func (s *Sink) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return
	}
	if paused {
		s.stream.Stop()
	} else {
		s.stream.Start()
	}
}

// Close stops the stream and tears PortAudio down.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	if s.inited {
		s.inited = false
		return portaudio.Terminate()
	}
	return nil
}
