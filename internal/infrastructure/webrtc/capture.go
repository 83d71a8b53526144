package webrtc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const maxRTPPacketSize = 1600

type CaptureOptions struct {
	ListenAddress string
	Codec         string // vp8, vp9 or h264
	IdleTimeout   time.Duration
}

// RTPCaptureSource receives RTP over UDP (e.g. from an ffmpeg or gstreamer
// screen grab) and writes it into one local track shared by every outgoing
// peer connection.
//
// Once media has started, a gap longer than IdleTimeout ends the source,
// as does a socket failure. Stop never reports ended.
type RTPCaptureSource struct {
	conn        net.PacketConn
	track       *webrtc.TrackLocalStaticRTP
	idleTimeout time.Duration
	logger      *zap.SugaredLogger

	packets atomic.Uint64
	stopped atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	onEnded   []func()
	ended     bool
	endedOnce sync.Once
	stopOnce  sync.Once
}

func codecCapability(codec string) (webrtc.RTPCodecCapability, error) {
	switch codec {
	case "vp8", "":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "vp9":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "h264":
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported capture codec %q", codec)
	}
}

func NewRTPCaptureSource(opts CaptureOptions, logger *zap.SugaredLogger) (*RTPCaptureSource, error) {
	capability, err := codecCapability(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, "screen", "livecast")
	if err != nil {
		return nil, fmt.Errorf("failed to create capture track: %w", err)
	}

	conn, err := net.ListenPacket("udp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for rtp on %s: %w", opts.ListenAddress, err)
	}

	s := &RTPCaptureSource{
		conn:        conn,
		track:       track,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.With("capture_address", conn.LocalAddr().String()),
		done:        make(chan struct{}),
	}

	go func() {
		ended := s.readLoop()
		close(s.done)
		if ended {
			s.fireEnded()
		}
	}()

	s.logger.Infow("waiting for rtp capture", "codec", capability.MimeType)
	return s, nil
}

func (s *RTPCaptureSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// OnEnded registers a callback. If the source already ended the callback
// runs immediately.
func (s *RTPCaptureSource) OnEnded(handler func()) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		handler()
		return
	}
	s.onEnded = append(s.onEnded, handler)
	s.mu.Unlock()
}

func (s *RTPCaptureSource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		err = s.conn.Close()
		<-s.done
		s.logger.Infow("capture stopped", "packets", s.packets.Load())
	})
	return err
}

// LocalAddr is where RTP should be sent.
func (s *RTPCaptureSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *RTPCaptureSource) Packets() uint64 {
	return s.packets.Load()
}

// readLoop returns true when the source ended on its own.
func (s *RTPCaptureSource) readLoop() bool {
	buf := make([]byte, maxRTPPacketSize)
	pkt := &rtp.Packet{}

	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.stopped.Load() {
				return false
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Infow("capture idle, ending", "idle_timeout", s.idleTimeout)
			} else {
				s.logger.Warnw("capture socket failed", "error", err)
			}
			return true
		}

		if s.packets.Add(1) == 1 {
			s.logger.Infow("capture started")
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping malformed rtp packet", "error", err)
			continue
		}
		// ErrClosedPipe only means no peer connection is bound yet.
		if err := s.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warnw("failed to write capture packet", "error", err)
		}
	}
}

func (s *RTPCaptureSource) fireEnded() {
	s.endedOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		handlers := s.onEnded
		s.onEnded = nil
		s.mu.Unlock()

		for _, h := range handlers {
			h()
		}
	})
}
