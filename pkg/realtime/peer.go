package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/teslashibe/go-habla/internal/httpc"
	"github.com/teslashibe/go-habla/pkg/media"
)

// PeerTransport opens sessions over pion/webrtc.
type PeerTransport struct {
	cfg    *Config
	logger *slog.Logger
}

var _ Transport = (*PeerTransport)(nil)

// NewPeerTransport creates a transport.
func NewPeerTransport(opts ...Option) *PeerTransport {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.Client
	}
	return &PeerTransport{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "realtime.peer"),
	}
}

// Open performs the full handshake. On any failure every resource created so
// far is released before the error is returned.
func (t *PeerTransport) Open(ctx context.Context, cred Credential, h Handlers) (Conn, error) {
	if cred.EphemeralKey == "" {
		return nil, ErrMissingKey
	}

	pc, err := webrtc.NewPeerConnection(t.rtcConfig())
	if err != nil {
		return nil, connErr("create peer connection", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &peerConn{
		pc:       pc,
		handlers: h,
		cancel:   cancel,
		logger:   t.logger.With("session", cred.SessionID),
	}

	fail := func(reason string, err error) (Conn, error) {
		c.Close()
		return nil, connErr(reason, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "habla-mic",
	)
	if err != nil {
		return fail("create local track", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fail("add local track", err)
	}
	go drainRTCP(sender)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("remote track", "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			go c.drainRemote(remote, t.cfg.NewSink)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "state", s.String())
		h.state(mapState(s))
	})

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fail("create data channel", err)
	}
	c.dc = dc
	dc.OnOpen(func() {
		c.open.Store(true)
		c.logger.Info("event channel open")
		h.channelOpen()
	})
	dc.OnClose(func() {
		c.open.Store(false)
		h.channelClose()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			h.message(msg.Data)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}

	select {
	case <-gathered:
	case <-time.After(t.cfg.GatherTimeout):
		c.logger.Warn("ice gathering timed out, sending partial offer")
	case <-ctx.Done():
		return fail("ice gathering", ctx.Err())
	}

	answer, err := t.exchange(ctx, cred.EphemeralKey, pc.LocalDescription().SDP)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail("set remote description", err)
	}

	if t.cfg.NewSource != nil {
		src := t.cfg.NewSource()
		if err := src.Start(connCtx); err != nil {
			return fail("start microphone", err)
		}
		c.src = src
		go c.pump(connCtx, track)
	}

	return c, nil
}

func (t *PeerTransport) rtcConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(t.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	return cfg
}

// exchange posts the offer SDP and returns the answer SDP.
func (t *PeerTransport) exchange(ctx context.Context, key, offer string) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", connErr("parse signaling url", err)
	}
	if t.cfg.Model != "" {
		q := u.Query()
		q.Set("model", t.cfg.Model)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", connErr("build sdp request", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", connErr("sdp exchange", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", connErr("read sdp answer", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ConnectionError{
			Reason:     "sdp exchange",
			StatusCode: resp.StatusCode,
			Cause:      errors.New(string(bytes.TrimSpace(body))),
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", connErr("sdp exchange", errors.New("empty answer"))
	}
	return string(body), nil
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// drainRTCP keeps interceptors running for the sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type peerConn struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	src      media.Source
	handlers Handlers
	cancel   context.CancelFunc
	logger   *slog.Logger

	open   atomic.Bool
	closed atomic.Bool
	once   sync.Once

	sinksMu sync.Mutex
	sinks   []media.Sink
}

func (c *peerConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.dc == nil || !c.open.Load() {
		return ErrChannelNotOpen
	}
	return c.dc.SendText(string(data))
}

func (c *peerConn) ChannelOpen() bool {
	return !c.closed.Load() && c.open.Load()
}

// Close stops the microphone, closes the channel and the peer connection,
// and closes every remote sink.
func (c *peerConn) Close() error {
	var firstErr error
	c.once.Do(func() {
		c.closed.Store(true)
		c.open.Store(false)
		c.cancel()

		if c.src != nil {
			if err := c.src.Stop(); err != nil {
				firstErr = err
			}
		}
		if c.dc != nil {
			if err := c.dc.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := c.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		c.sinksMu.Lock()
		for _, s := range c.sinks {
			s.Close()
		}
		c.sinks = nil
		c.sinksMu.Unlock()
	})
	if firstErr != nil {
		return fmt.Errorf("realtime: close: %w", firstErr)
	}
	return nil
}

func (c *peerConn) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	for {
		f, err := c.src.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.logger.Warn("microphone read failed", "error", err)
			}
			return
		}
		if err := track.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Warn("write sample failed", "error", err)
			}
			return
		}
	}
}

func (c *peerConn) drainRemote(remote *webrtc.TrackRemote, newSink media.SinkFactory) {
	if newSink == nil {
		newSink = media.NewCountingSink
	}
	sink := newSink(remote.ID())

	c.sinksMu.Lock()
	if c.closed.Load() {
		c.sinksMu.Unlock()
		sink.Close()
		return
	}
	c.sinks = append(c.sinks, sink)
	c.sinksMu.Unlock()

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if err := sink.WritePacket(pkt); err != nil {
			return
		}
	}
}
