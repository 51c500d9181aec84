package rtc

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type rtcpReader interface {
	Read([]byte) (int, interceptor.Attributes, error)
}

// drainRemote consumes a remote track until it ends so its buffers never
// fill up, logging what arrived.
func drainRemote(logger zerolog.Logger, track *webrtc.TrackRemote) {
	logger = logger.With().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Logger()
	var (
		packets uint64
		bytes   uint64
		last    *rtp.Packet
	)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			ev := logger.Info()
			if !errors.Is(err, io.EOF) {
				ev = logger.Debug().Err(err)
			}
			if last != nil {
				ev = ev.Uint16("last_seq", last.SequenceNumber).Uint32("last_ts", last.Timestamp)
			}
			ev.Uint64("packets", packets).Uint64("bytes", bytes).Msg("remote track ended")
			return
		}
		packets++
		bytes += uint64(len(pkt.Payload))
		last = pkt
		if packets == 1 {
			logger.Info().Uint8("payload_type", pkt.PayloadType).Uint32("ssrc", pkt.SSRC).Msg("first RTP packet")
		}
	}
}

// drainRTCP reads RTCP for a sender or receiver; pion only runs its
// interceptors when someone reads.
func drainRTCP(r rtcpReader) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := r.Read(buf); err != nil {
			return
		}
	}
}
