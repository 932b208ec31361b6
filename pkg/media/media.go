// Package media provides the local audio sources fed into the realtime
// session and the sinks that consume remote audio.
//
// Sources emit frames that are already Opus encoded; this package does not
// encode or decode audio.
package media

import (
	"context"
	"io"
	"time"

	"github.com/pion/rtp"
)

// DefaultFrameDuration is the packetization interval for Opus frames.
const DefaultFrameDuration = 20 * time.Millisecond

// Frame is one encoded audio frame.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Source produces encoded microphone frames.
type Source interface {
	// Start begins capture. Calling Start on a running source is a no-op.
	Start(ctx context.Context) error

	// Read blocks for the next frame. It returns io.EOF once stopped.
	Read(ctx context.Context) (Frame, error)

	// Stop halts capture. It is safe to call Stop multiple times.
	Stop() error

	// Name returns the backend name.
	Name() string
}

// Sink consumes remote audio packets.
type Sink interface {
	// WritePacket handles one RTP packet from the remote track.
	WritePacket(pkt *rtp.Packet) error

	// Name returns the backend name.
	Name() string

	// Close releases the sink. Writes after Close fail.
	io.Closer
}

// SinkFactory creates a sink for each remote track.
type SinkFactory func(trackID string) Sink
