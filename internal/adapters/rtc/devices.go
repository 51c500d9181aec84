//go:build mediadevices

package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/callsignal/internal/client/call"
	"github.com/dkeye/callsignal/internal/config"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// DeviceSource captures the local camera and microphone.
type DeviceSource struct {
	audio, video bool
	selector     *mediadevices.CodecSelector
}

func NewMediaSource(cfg config.MediaConfig) (Backend, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		audio: cfg.Audio,
		video: cfg.Video,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) Populate(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire opens the configured devices. If audio and video together fail it
// retries with audio only before giving up.
func (d *DeviceSource) Acquire(ctx context.Context) (call.LocalMedia, error) {
	if !d.audio && !d.video {
		return deviceMedia{}, nil
	}

	type attempt struct{ video, audio bool }
	attempts := []attempt{{d.video, d.audio}}
	if d.video && d.audio {
		attempts = append(attempts, attempt{false, true})
	}

	var errs error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Str("module", "media").Err(err).Bool("video", a.video).Bool("audio", a.audio).Msg("GetUserMedia failed")
			errs = multierr.Append(errs, err)
			continue
		}
		return deviceMedia{tracks: stream.GetTracks()}, nil
	}
	return nil, fmt.Errorf("capture devices: %w", errs)
}

type deviceMedia struct {
	tracks []mediadevices.Track
}

func (m deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m deviceMedia) Stop() error {
	var err error
	for _, t := range m.tracks {
		err = multierr.Append(err, t.Close())
	}
	return err
}
