package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

type rtpSender struct {
	pc   *Shim
	ssrc uint32

	mu        sync.Mutex
	track     *AudioTrack
	params    SendParameters
	seq       uint16
	timestamp uint32
	packets   uint64
	bytes     uint64
	stopped   bool
}

func newRTPSender(pc *Shim, track *AudioTrack, ssrc uint32, seq uint16, ts uint32) *rtpSender {
	s := &rtpSender{pc: pc, ssrc: ssrc, track: track, seq: seq, timestamp: ts}
	s.params = SendParameters{
		TransactionID: uuid.NewString(),
		Codecs:        []Codec{CodecPCMU},
		Encodings:     []Encoding{{SSRC: ssrc, PayloadType: CodecPCMU.PayloadType, Active: true}},
	}
	if track != nil {
		track.attach(s)
	}
	return s
}

func (s *rtpSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		// Detached senders still report a track so callers never see nil.
		return remoteTrack{}
	}
	return s.track
}

func (s *rtpSender) GetParameters() SendParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.TransactionID = uuid.NewString()
	return cloneParams(s.params)
}

// SetParameters applies p over the current parameters. A stale or missing
// transaction id is reconciled to the current one. SSRCs and payload types are
// read-only and the encoding count is fixed, so those fields always keep their
// current values.
func (s *rtpSender) SetParameters(p SendParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	next := cloneParams(s.params)
	for i := range next.Encodings {
		if i >= len(p.Encodings) {
			break
		}
		next.Encodings[i].Active = p.Encodings[i].Active
		next.Encodings[i].MaxBitrate = p.Encodings[i].MaxBitrate
	}
	if len(p.Codecs) > 0 {
		next.Codecs = append([]Codec(nil), p.Codecs...)
	}
	s.params = next
	return nil
}

func (s *rtpSender) ReplaceTrack(track *AudioTrack) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.track
	s.track = track
	s.mu.Unlock()

	if old != nil {
		old.detach(s)
	}
	if track != nil {
		track.attach(s)
	}
	return nil
}

func (s *rtpSender) GetStats() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	codec := ""
	if len(s.params.Codecs) > 0 {
		codec = s.params.Codecs[0].Name
	}
	id := fmt.Sprintf("outbound-rtp-%d", s.ssrc)
	return StatsReport{id: {
		ID:        id,
		Type:      StatsTypeOutboundRTP,
		Timestamp: time.Now(),
		SSRC:      s.ssrc,
		Codec:     codec,
		Packets:   s.packets,
		Bytes:     s.bytes,
	}}
}

func (s *rtpSender) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	track := s.track
	s.mu.Unlock()

	if track != nil {
		track.detach(s)
	}
	return nil
}

// setCodecs is called once negotiation settles.
func (s *rtpSender) setCodecs(codecs []Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.Codecs = append([]Codec(nil), codecs...)
	for i := range s.params.Encodings {
		s.params.Encodings[i].PayloadType = codecs[0].PayloadType
	}
}

func (s *rtpSender) write(payload []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(s.params.Encodings) == 0 || !s.params.Encodings[0].Active {
		s.mu.Unlock()
		return nil
	}
	codec := s.params.Codecs[0]
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.params.Encodings[0].PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.timestamp += codec.samplesPerFrame(len(payload))
	s.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("media: marshal rtp: %w", err)
	}
	if err := s.pc.emit(raw); err != nil {
		return err
	}

	s.mu.Lock()
	s.packets++
	s.bytes += uint64(len(payload))
	s.mu.Unlock()
	return nil
}

type rtpReceiver struct {
	track remoteTrack

	mu      sync.Mutex
	ssrc    uint32
	codec   string
	packets uint64
	bytes   uint64
}

func (r *rtpReceiver) Track() Track { return r.track }

func (r *rtpReceiver) GetStats() StatsReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "inbound-rtp-" + r.track.id
	return StatsReport{id: {
		ID:        id,
		Type:      StatsTypeInboundRTP,
		Timestamp: time.Now(),
		SSRC:      r.ssrc,
		Codec:     r.codec,
		Packets:   r.packets,
		Bytes:     r.bytes,
	}}
}

func (r *rtpReceiver) record(pkt *rtp.Packet, codec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssrc = pkt.SSRC
	r.codec = codec
	r.packets++
	r.bytes += uint64(len(pkt.Payload))
}

func cloneParams(p SendParameters) SendParameters {
	p.Codecs = append([]Codec(nil), p.Codecs...)
	p.Encodings = append([]Encoding(nil), p.Encodings...)
	return p
}
