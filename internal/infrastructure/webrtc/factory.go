package webrtc

import (
	"fmt"

	"livecast/internal/core/ports"
	"livecast/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultSTUNServer is used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

type FactoryConfig struct {
	ICEServers   []webrtc.ICEServer
	PortRangeMin uint16
	PortRangeMax uint16
}

// FactoryConfigFrom converts the webrtc section of the application config.
func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	fc := FactoryConfig{
		PortRangeMin: cfg.WebRTC.PortRange.Min,
		PortRangeMax: cfg.WebRTC.PortRange.Max,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		fc.ICEServers = append(fc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return fc
}

// Factory builds peer connections sharing one API (codecs, interceptors and
// setting engine).
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRangeMin > 0 && cfg.PortRangeMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRangeMin, cfg.PortRangeMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConnection{pc: pc, logger: f.logger}, nil
}
