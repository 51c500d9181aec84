package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	ICEServers []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultOptions() Options {
	return Options{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       2 * time.Minute,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Configuration returns the peer connection configuration for opts.
func (o Options) Configuration() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(o.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}
	return cfg
}

// NewAPI builds a pion API whose codecs come from populate, with the default
// interceptors (NACK, RTCP reports, TWCC) and relaxed ICE timeouts.
func NewAPI(opts Options, populate func(*webrtc.MediaEngine) error) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
