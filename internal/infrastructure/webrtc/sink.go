package webrtc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaMetrics receives per-packet media accounting.
type MediaMetrics interface {
	MediaReceived(kind string, bytes int)
}

type SinkOptions struct {
	// ForwardAddress, when set, receives every RTP packet unchanged so a
	// local player (ffplay, gstreamer) can render it.
	ForwardAddress string
	// PLIInterval is how often a keyframe is requested on video tracks.
	// Zero disables periodic requests.
	PLIInterval time.Duration
}

type SinkStats struct {
	Tracks  int
	Packets uint64
	Bytes   uint64
}

// RTPSink is the viewer's render sink.
type RTPSink struct {
	opts    SinkOptions
	forward net.Conn
	metrics MediaMetrics
	logger  *zap.SugaredLogger

	tracks  atomic.Int64
	packets atomic.Uint64
	bytes   atomic.Uint64

	wg        sync.WaitGroup // keyframe loops
	done      chan struct{}
	closeOnce sync.Once
}

func NewRTPSink(opts SinkOptions, metrics MediaMetrics, logger *zap.SugaredLogger) (*RTPSink, error) {
	s := &RTPSink{
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if opts.ForwardAddress != "" {
		conn, err := net.Dial("udp", opts.ForwardAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to open forward socket: %w", err)
		}
		s.forward = conn
	}
	return s, nil
}

func (s *RTPSink) Attach(track ports.RemoteTrack, feedback ports.RTCPWriter) error {
	select {
	case <-s.done:
		return fmt.Errorf("sink closed")
	default:
	}

	s.tracks.Add(1)
	s.logger.Infow("rendering remote track",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	go s.read(track)

	if track.Kind() == webrtc.RTPCodecTypeVideo && feedback != nil {
		s.requestKeyframe(track, feedback)
		if s.opts.PLIInterval > 0 {
			s.wg.Add(1)
			go s.pliLoop(track, feedback)
		}
	}
	return nil
}

func (s *RTPSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.forward != nil {
			err = s.forward.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *RTPSink) Stats() SinkStats {
	return SinkStats{
		Tracks:  int(s.tracks.Load()),
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
	}
}

// read runs until the track ends; closing the peer connection ends it.
func (s *RTPSink) read(track ports.RemoteTrack) {
	kind := track.Kind().String()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}

		size := len(pkt.Payload)
		s.packets.Add(1)
		s.bytes.Add(uint64(size))
		if s.metrics != nil {
			s.metrics.MediaReceived(kind, size)
		}

		if s.forward != nil {
			data, err := pkt.Marshal()
			if err != nil {
				continue
			}
			if _, err := s.forward.Write(data); err != nil {
				s.logger.Debugw("failed to forward rtp", "error", err)
			}
		}
	}
}

func (s *RTPSink) pliLoop(track ports.RemoteTrack, feedback ports.RTCPWriter) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.requestKeyframe(track, feedback); err != nil {
				return
			}
		}
	}
}

func (s *RTPSink) requestKeyframe(track ports.RemoteTrack, feedback ports.RTCPWriter) error {
	err := feedback.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		s.logger.Debugw("failed to request keyframe", "track_id", track.ID(), "error", err)
	}
	return err
}
