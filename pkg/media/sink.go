package media

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// SinkStats summarises what a sink has consumed.
type SinkStats struct {
	Packets        int64  `json:"packets"`
	PayloadBytes   int64  `json:"payload_bytes"`
	LastSequence   uint16 `json:"last_sequence"`
	LastTimestamp  uint32 `json:"last_timestamp"`
	SequenceBreaks int64  `json:"sequence_breaks"`
}

// CountingSink drops payloads but keeps packet statistics. It is the
// default for headless deployments where remote speech is not played out.
type CountingSink struct {
	mu     sync.Mutex
	stats  SinkStats
	seen   bool
	closed atomic.Bool
}

// NewCountingSink returns an empty sink.
func NewCountingSink(string) Sink {
	return &CountingSink{}
}

// WritePacket records pkt.
func (c *CountingSink) WritePacket(pkt *rtp.Packet) error {
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen && pkt.SequenceNumber != c.stats.LastSequence+1 {
		c.stats.SequenceBreaks++
	}
	c.seen = true
	c.stats.Packets++
	c.stats.PayloadBytes += int64(len(pkt.Payload))
	c.stats.LastSequence = pkt.SequenceNumber
	c.stats.LastTimestamp = pkt.Timestamp
	return nil
}

// Stats returns a copy of the counters.
func (c *CountingSink) Stats() SinkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Name implements Sink.
func (c *CountingSink) Name() string { return "counting" }

// Close implements Sink.
func (c *CountingSink) Close() error {
	c.closed.Store(true)
	return nil
}
