//go:build !mediadevices

package rtc

import (
	"github.com/dkeye/callsignal/internal/config"
	"github.com/rs/zerolog/log"
)

// NewMediaSource returns a synthetic source. Device capture needs cgo codecs
// and is only built with -tags mediadevices.
func NewMediaSource(cfg config.MediaConfig) (Backend, error) {
	if cfg.Video {
		log.Warn().Str("module", "media").Msg("video capture requires the mediadevices build tag, sending audio only")
	}
	return SyntheticSource{Audio: cfg.Audio}, nil
}
