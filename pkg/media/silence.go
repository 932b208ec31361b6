package media

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource emits Opus silence at a fixed cadence. It stands in for a
// microphone where none is attached, keeping the outbound track alive.
type SilenceSource struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	frames  chan Frame
	stopCh  chan struct{}

	emitted atomic.Int64
}

// NewSilenceSource returns a source producing one frame every interval.
// A non-positive interval uses DefaultFrameDuration.
func NewSilenceSource(interval time.Duration, logger *slog.Logger) *SilenceSource {
	if interval <= 0 {
		interval = DefaultFrameDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SilenceSource{
		interval: interval,
		logger:   logger.With("component", "media.silence"),
	}
}

// Start begins emitting frames until Stop or ctx is done.
func (s *SilenceSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.frames = make(chan Frame, 10)
	s.stopCh = make(chan struct{})

	go s.loop(ctx, s.frames, s.stopCh)
	s.logger.Debug("silence source started", "interval", s.interval)
	return nil
}

func (s *SilenceSource) loop(ctx context.Context, frames chan<- Frame, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(frames)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case frames <- Frame{Data: opusSilence, Duration: s.interval}:
				s.emitted.Add(1)
			default:
				// reader is behind; drop
			}
		}
	}
}

// Read returns the next frame.
func (s *SilenceSource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames == nil {
		return Frame{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	}
}

// Stop halts the source.
func (s *SilenceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	return nil
}

// Emitted returns the number of frames produced so far.
func (s *SilenceSource) Emitted() int64 { return s.emitted.Load() }

// Name implements Source.
func (s *SilenceSource) Name() string { return "silence" }
