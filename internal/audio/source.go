package audio

import (
	"errors"
	"time"
)

var ErrNoMicrophone = errors.New("no microphone available")

// Source is the external capture collaborator: something producing PCM
// frames (signed 16-bit little-endian) for one input device. Capture
// mechanics live outside the session core.
type Source interface {
	// Read returns the next frame and its duration. io.EOF ends the pump.
	Read() (pcm []byte, dur time.Duration, err error)
	DeviceID() string
	Close() error
}

// SourceOpener opens a Source for a device id. It must return
// ErrNoMicrophone (possibly wrapped) when the device does not exist, so the
// session can degrade to muted instead of failing the join.
type SourceOpener func(deviceID string) (Source, error)
