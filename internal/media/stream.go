package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RTPSink consumes the packets of one remote track, e.g. a playback device
// or a discard sink while the peer is muted.
type RTPSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close()
}

// DiscardSink drops everything. Used when no playback is attached.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }
func (DiscardSink) Close()                     {}

type StreamState int32

const (
	StreamStateOk StreamState = iota
	StreamStateMuted
	StreamStateStopped
)

// StreamReader pumps one remote track into its sink. Same loop shape as an
// SFU relay, pointed inward: read RTP until the track errors or the link
// context is cancelled.
type StreamReader struct {
	Track *webrtc.TrackRemote

	sink  RTPSink
	state atomic.Int32 // zero value is StreamStateOk
}

func NewStreamReader(track *webrtc.TrackRemote, sink RTPSink) *StreamReader {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &StreamReader{Track: track, sink: sink}
}

func (r *StreamReader) GetState() StreamState { return StreamState(r.state.Load()) }
func (r *StreamReader) MarkOk()               { r.state.Store(int32(StreamStateOk)) }
func (r *StreamReader) MarkMuted()            { r.state.Store(int32(StreamStateMuted)) }
func (r *StreamReader) MarkStopped()          { r.state.Store(int32(StreamStateStopped)) }

// Run blocks until the track ends. Call it in a goroutine.
func (r *StreamReader) Run(ctx context.Context, logger *zerolog.Logger) {
	defer r.sink.Close()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stream ctx done")
			r.MarkStopped()
			return
		default:
		}
		pkt, _, err := r.Track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("stream read RTP ended")
			r.MarkStopped()
			return
		}
		switch r.GetState() {
		case StreamStateStopped:
			return
		case StreamStateMuted:
		case StreamStateOk:
			if err := r.sink.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Msg("stream sink write error")
				r.MarkStopped()
				return
			}
		}
	}
}
