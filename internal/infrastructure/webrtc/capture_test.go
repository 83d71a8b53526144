package webrtc

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"livecast/pkg/logger"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendRTP(t *testing.T, to net.Addr, count int) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < count; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 3000),
				SSRC:           1234,
			},
			Payload: []byte{0x10, 0x02, 0x03},
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
	}
}

func TestRTPCaptureSource_Codecs(t *testing.T) {
	for codec, mime := range map[string]string{
		"vp8":  webrtc.MimeTypeVP8,
		"vp9":  webrtc.MimeTypeVP9,
		"h264": webrtc.MimeTypeH264,
	} {
		c, err := codecCapability(codec)
		require.NoError(t, err)
		assert.Equal(t, mime, c.MimeType)
	}

	_, err := NewRTPCaptureSource(CaptureOptions{ListenAddress: "127.0.0.1:0", Codec: "av1"}, logger.NewNop())
	assert.Error(t, err)
}

func TestRTPCaptureSource_EndsWhenIdle(t *testing.T) {
	source, err := NewRTPCaptureSource(CaptureOptions{
		ListenAddress: "127.0.0.1:0",
		Codec:         "vp8",
		IdleTimeout:   100 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	defer source.Stop()

	require.Len(t, source.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, source.Tracks()[0].Kind())

	var ended atomic.Int32
	source.OnEnded(func() { ended.Add(1) })

	sendRTP(t, source.LocalAddr(), 5)

	assert.Eventually(t, func() bool { return source.Packets() == 5 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return ended.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Late registration still hears about it, and Stop does not re-fire.
	var late atomic.Int32
	source.OnEnded(func() { late.Add(1) })
	assert.Equal(t, int32(1), late.Load())

	require.NoError(t, source.Stop())
	assert.NoError(t, source.Stop())
	assert.Equal(t, int32(1), ended.Load())
}

func TestRTPCaptureSource_StopDoesNotEnd(t *testing.T) {
	source, err := NewRTPCaptureSource(CaptureOptions{
		ListenAddress: "127.0.0.1:0",
		IdleTimeout:   5 * time.Second,
	}, logger.NewNop())
	require.NoError(t, err)

	var ended atomic.Int32
	source.OnEnded(func() { ended.Add(1) })

	sendRTP(t, source.LocalAddr(), 1)
	assert.Eventually(t, func() bool { return source.Packets() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, source.Stop())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), ended.Load())
}

func TestRTPCaptureSource_WaitsForFirstPacket(t *testing.T) {
	source, err := NewRTPCaptureSource(CaptureOptions{
		ListenAddress: "127.0.0.1:0",
		IdleTimeout:   20 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	defer source.Stop()

	var ended atomic.Int32
	source.OnEnded(func() { ended.Add(1) })

	assert.Never(t, func() bool { return ended.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
