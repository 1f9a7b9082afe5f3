package audio

import (
	"fmt"
	"io"
	"os/exec"
	"time"
)

const (
	captureSampleRate = 48000
	captureChannels   = 2
	frameDuration     = 20 * time.Millisecond
)

// frameBytes is one 20ms frame of s16le stereo at 48kHz.
const frameBytes = captureSampleRate / 50 * captureChannels * 2

// ffmpegSource captures the microphone by reading raw PCM from an ffmpeg
// child process, the same capture strategy used for standalone meeting
// recording. The device string is platform dependent (pulse/alsa name).
type ffmpegSource struct {
	deviceID string
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	frame    []byte
}

// NewFFmpegOpener returns a SourceOpener backed by ffmpeg. The input format
// selects the platform capture backend, e.g. "pulse" or "alsa".
func NewFFmpegOpener(inputFormat string) SourceOpener {
	return func(deviceID string) (Source, error) {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, fmt.Errorf("%w: ffmpeg not found", ErrNoMicrophone)
		}
		cmd := exec.Command("ffmpeg",
			"-f", inputFormat,
			"-i", deviceID,
			"-ac", fmt.Sprint(captureChannels),
			"-ar", fmt.Sprint(captureSampleRate),
			"-f", "s16le",
			"-loglevel", "error",
			"pipe:1",
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMicrophone, err)
		}
		return &ffmpegSource{
			deviceID: deviceID,
			cmd:      cmd,
			stdout:   stdout,
			frame:    make([]byte, frameBytes),
		}, nil
	}
}

func (s *ffmpegSource) Read() ([]byte, time.Duration, error) {
	if _, err := io.ReadFull(s.stdout, s.frame); err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(s.frame))
	copy(out, s.frame)
	return out, frameDuration, nil
}

func (s *ffmpegSource) DeviceID() string { return s.deviceID }

func (s *ffmpegSource) Close() error {
	_ = s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
