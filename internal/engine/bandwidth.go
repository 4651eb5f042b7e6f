package engine

import (
	"errors"
	"io"
	"log"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errConnectionFailed = errors.New("engine: peer connection failed")

// lowBandwidthBps is the REMB estimate below which outbound video is not
// worth sending.
const lowBandwidthBps = 150_000

// lowBandwidthFatalRuns is how many consecutive low estimates count as a
// sustained (non-recoverable) shortfall.
const lowBandwidthFatalRuns = 5

// audioLevelURI is the RTP header extension carrying per-packet audio levels.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// readSenderRTCP watches the sender's RTCP stream for receiver bandwidth
// estimates and reports sustained shortfalls.
func (e *Engine) readSenderRTCP(ps *peerSession, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return // sender closed with the session
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			remb, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate)
			if !ok {
				continue
			}
			if remb.Bitrate >= lowBandwidthBps {
				ps.lowBwRuns = 0
				continue
			}
			ps.lowBwRuns++
			recoverable := ps.lowBwRuns < lowBandwidthFatalRuns
			log.Printf("ENG [%s]: REMB %.0f bps (run %d)", ps.id.String()[:8], remb.Bitrate, ps.lowBwRuns)
			e.events.OnLowBandwidthForVideo(ps.id, recoverable)
		}
	}
}

// readAudioLevels reads the remote audio track and reports the negotiated
// ssrc-audio-level extension as a 0..1 level.
func (e *Engine) readAudioLevels(ps *peerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	extID := 0
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			extID = ext.ID
			break
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("ENG [%s]: audio read: %v", ps.id.String()[:8], err)
			}
			return
		}
		if level, ok := audioLevel(pkt, extID); ok {
			e.events.OnAudioLevels(0, level)
		}
	}
}

// audioLevel extracts the ssrc-audio-level extension as a 0..1 level.
func audioLevel(pkt *rtp.Packet, extID int) (float32, bool) {
	if extID == 0 {
		return 0, false
	}
	payload := pkt.GetExtension(uint8(extID))
	if len(payload) == 0 {
		return 0, false
	}
	// One byte: V flag in the high bit, then -dBov in the low 7 bits.
	dBov := payload[0] & 0x7f
	return 1 - float32(dBov)/127, true
}

// drainTrack keeps a remote track's read loop alive so RTCP feedback flows.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
