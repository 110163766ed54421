// Package ffmpeg implements [audio.Devices] by running ffmpeg subprocesses
// that capture from the host's audio stack and write raw 16-bit PCM to stdout.
//
// The microphone leg applies ffmpeg's denoise and loudness filters in place of
// the noise-suppression and auto-gain constraints. The system-audio leg
// captures a loopback device (a PulseAudio monitor source on Linux). There is
// no video leg; the capture process exiting on its own is reported through
// [audio.DisplaySource.VideoEnded].
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/lessonscribe/pkg/audio"
)

// DefaultFrameDuration is the duration of one emitted frame.
const DefaultFrameDuration = 20 * time.Millisecond

// Config selects the ffmpeg input devices.
type Config struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Binary string

	// InputFormat is the ffmpeg demuxer, e.g. "pulse", "alsa", "avfoundation".
	InputFormat string

	// Microphone is the capture device name, e.g. "default" or ":0".
	Microphone string

	// SystemDevice is the loopback device, e.g. "default.monitor". Empty
	// disables system audio capture.
	SystemDevice string

	// FrameDuration is the duration of one emitted frame.
	FrameDuration time.Duration
}

// Devices captures audio through ffmpeg.
type Devices struct {
	cfg Config
}

// New returns ffmpeg-backed [audio.Devices]. It fails when the ffmpeg binary
// cannot be found.
func New(cfg Config) (*Devices, error) {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.Microphone == "" {
		cfg.Microphone = "default"
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("ffmpeg: binary %q not found: %w", cfg.Binary, err)
	}
	return &Devices{cfg: cfg}, nil
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(ctx context.Context, c audio.MicConstraints) (audio.Source, error) {
	args := captureArgs(d.cfg.InputFormat, d.cfg.Microphone, micFilters(c), c.Format)
	return d.start(ctx, "microphone", args, c.Format)
}

// OpenDisplay implements [audio.Devices].
func (d *Devices) OpenDisplay(ctx context.Context, c audio.DisplayConstraints) (audio.DisplaySource, error) {
	if !c.SystemAudio || d.cfg.SystemDevice == "" {
		return nil, errors.New("ffmpeg: no system audio device configured")
	}
	args := captureArgs(d.cfg.InputFormat, d.cfg.SystemDevice, "", c.Format)
	return d.start(ctx, "system", args, c.Format)
}

// micFilters translates capture constraints into an ffmpeg audio filter
// chain. Echo cancellation has no ffmpeg equivalent and is ignored.
func micFilters(c audio.MicConstraints) string {
	var chain string
	add := func(f string) {
		if chain != "" {
			chain += ","
		}
		chain += f
	}
	if c.NoiseSuppression {
		add("afftdn")
	}
	if c.AutoGainControl {
		add("dynaudnorm")
	}
	return chain
}

// captureArgs builds the ffmpeg argument list for one capture leg.
func captureArgs(inputFormat, device, filters string, f audio.Format) []string {
	rate := f.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", inputFormat,
		"-i", device,
	}
	if filters != "" {
		args = append(args, "-af", filters)
	}
	return append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"pipe:1",
	)
}

func (d *Devices) start(ctx context.Context, leg string, args []string, f audio.Format) (*source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	f.Channels = 1

	// The capture outlives the acquisition ctx; Stop ends it.
	cmd := exec.Command(d.cfg.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %s pipe: %w", leg, err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s capture: %w", leg, err)
	}

	s := &source{
		leg:    leg,
		cmd:    cmd,
		frames: make(chan audio.AudioFrame, 32),
		ended:  make(chan struct{}),
		stop:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.read(stdout, f, f.FrameBytes(d.cfg.FrameDuration), stderr)

	slog.Info("ffmpeg capture started", "leg", leg, "pid", cmd.Process.Pid)
	return s, nil
}

// source is one running ffmpeg capture.
type source struct {
	leg    string
	cmd    *exec.Cmd
	frames chan audio.AudioFrame
	ended  chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *source) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *source) VideoEnded() <-chan struct{} { return s.ended }

func (s *source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cmd.Process != nil {
			if kerr := s.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("ffmpeg: kill %s capture: %w", s.leg, kerr)
			}
		}
		s.wg.Wait()
	})
	return err
}

func (s *source) read(r io.Reader, f audio.Format, frameBytes int, stderr *tailBuffer) {
	defer s.wg.Done()
	defer close(s.frames)

	if frameBytes <= 0 {
		frameBytes = f.FrameBytes(DefaultFrameDuration)
	}
	var offset time.Duration
	perFrame := time.Duration(frameBytes) * time.Second / time.Duration(f.BytesPerSecond())

	for {
		buf := make([]byte, frameBytes)
		_, err := io.ReadFull(r, buf)
		if err != nil {
			waitErr := s.cmd.Wait()
			select {
			case <-s.stop:
			default:
				slog.Warn("ffmpeg capture ended",
					"leg", s.leg,
					"err", errors.Join(err, waitErr),
					"stderr", stderr.String(),
				)
				close(s.ended)
			}
			return
		}
		frame := audio.AudioFrame{Data: buf, SampleRate: f.SampleRate, Channels: 1, Timestamp: offset}
		offset += perFrame
		select {
		case s.frames <- frame:
		case <-s.stop:
			_ = s.cmd.Wait()
			return
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var _ audio.Devices = (*Devices)(nil)
