package screenshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

const captureFramerate = 30

// FFmpegCapturer acquires the display through ffmpeg's x11grab backend,
// the same child-process capture strategy the audio pipeline uses for the
// microphone. The child encodes to VP8 in an IVF container on stdout.
type FFmpegCapturer struct {
	display string
}

func NewFFmpegCapturer(display string) *FFmpegCapturer {
	return &FFmpegCapturer{display: display}
}

func captureArgs(display string) []string {
	return []string{
		"-f", "x11grab",
		"-framerate", fmt.Sprint(captureFramerate),
		"-i", display,
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-b:v", "2M",
		"-f", "ivf",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (c *FFmpegCapturer) Acquire(ctx context.Context) (CaptureStream, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", captureArgs(c.display)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start display capture: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "screen", "huddle-screen")
	if err != nil {
		_ = stdout.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	s := &ffmpegStream{cmd: cmd, stdout: stdout, track: track, done: make(chan struct{})}
	go s.pump()
	log.Info().Str("module", "screenshare").Str("display", c.display).Msg("display capture started")
	return s, nil
}

// ffmpegStream is one running display capture. Done fires when the child
// exits on its own, which the arbiter treats as an external stop.
type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	track  *webrtc.TrackLocalStaticSample

	done chan struct{}
	once sync.Once
}

// pump re-frames IVF frames onto the track until the child exits.
func (s *ffmpegStream) pump() {
	defer s.finish()
	ivf, _, err := ivfreader.NewWith(s.stdout)
	if err != nil {
		log.Warn().Err(err).Str("module", "screenshare").Msg("ivf header")
		return
	}
	frameDur := time.Second / captureFramerate
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("module", "screenshare").Msg("capture read error")
			}
			return
		}
		if err := s.track.WriteSample(media.Sample{Data: frame, Duration: frameDur}); err != nil {
			log.Warn().Err(err).Str("module", "screenshare").Msg("track write error")
		}
	}
}

func (s *ffmpegStream) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *ffmpegStream) Track() webrtc.TrackLocal { return s.track }
func (s *ffmpegStream) Done() <-chan struct{}    { return s.done }

func (s *ffmpegStream) Stop() {
	_ = s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.finish()
}
