package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/callsignal/internal/client/call"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Backend is a media source that also decides which codecs the API offers.
type Backend interface {
	call.MediaSource
	Populate(*webrtc.MediaEngine) error
}

const sampleInterval = 20 * time.Millisecond

// Opus TOC byte for a 20ms silent frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces a silent Opus track instead of capturing a device.
// With Audio unset it yields no tracks and the call is receive-only.
type SyntheticSource struct {
	Audio bool
}

func (SyntheticSource) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s SyntheticSource) Acquire(ctx context.Context) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local := &syntheticMedia{stop: make(chan struct{})}
	if !s.Audio {
		return local, nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "callsignal",
	)
	if err != nil {
		return nil, err
	}
	local.tracks = append(local.tracks, track)
	local.wg.Add(1)
	go local.pump(track)
	return local, nil
}

type syntheticMedia struct {
	tracks []webrtc.TrackLocal
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *syntheticMedia) Stop() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

func (m *syntheticMedia) pump(track *webrtc.TrackLocalStaticSample) {
	defer m.wg.Done()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
				return
			}
		}
	}
}
