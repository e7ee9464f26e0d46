package media

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Options configures a Shim.
type Options struct {
	// Sink receives every outbound RTP packet. Nil drops them.
	Sink PacketSink
	Now  func() time.Time
}

// Shim is a PeerConnection without a network media engine. It negotiates real
// SDP and packetizes audio, but packets only leave through Options.Sink.
type Shim struct {
	opts Options

	mu          sync.Mutex
	sessionID   uint64
	version     uint64
	local       *SessionDescription
	remote      *SessionDescription
	lastCreated *SessionDescription
	signaling   SignalingState
	connection  ConnectionState
	gathering   ICEGatheringState
	codecs      []Codec
	senders     []*rtpSender
	receivers   []*rtpReceiver
	candidates  []string
	early       []string
	closed      bool
	createdAt   time.Time
}

var _ PeerConnection = (*Shim)(nil)

func NewPeerConnection(opts Options) *Shim {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Shim{
		opts:       opts,
		sessionID:  rand.Uint64() >> 1,
		signaling:  SignalingStateStable,
		connection: ConnectionStateNew,
		gathering:  ICEGatheringStateNew,
		createdAt:  opts.Now(),
	}
}

func (p *Shim) CreateOffer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SessionDescription{}, ErrClosed
	}
	if p.signaling != SignalingStateStable && p.signaling != SignalingStateHaveLocalOffer {
		return SessionDescription{}, fmt.Errorf("%w: create offer in %s", ErrInvalidState, p.signaling)
	}
	return p.describe(SDPTypeOffer, SupportedCodecs)
}

func (p *Shim) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SessionDescription{}, ErrClosed
	}
	if p.signaling != SignalingStateHaveRemoteOffer {
		return SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, p.signaling)
	}
	return p.describe(SDPTypeAnswer, p.codecs)
}

// describe must be called with p.mu held.
func (p *Shim) describe(typ SDPType, codecs []Codec) (SessionDescription, error) {
	var ssrc uint32
	if len(p.senders) > 0 {
		ssrc = p.senders[0].ssrc
	}
	p.version++
	raw, err := buildDescription(p.sessionID, p.version, codecs, ssrc)
	if err != nil {
		return SessionDescription{}, err
	}
	desc := SessionDescription{Type: typ, SDP: raw}
	p.lastCreated = &desc
	return desc, nil
}

// SetLocalDescription applies desc. An empty description applies the most
// recently created offer or answer.
func (p *Shim) SetLocalDescription(desc SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if desc.Type == "" && desc.SDP == "" && p.lastCreated != nil {
		desc = *p.lastCreated
	}
	if _, err := offeredCodecs(desc.SDP); err != nil {
		return err
	}

	switch desc.Type {
	case SDPTypeOffer:
		if p.signaling != SignalingStateStable && p.signaling != SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: local offer in %s", ErrInvalidState, p.signaling)
		}
		p.signaling = SignalingStateHaveLocalOffer
	case SDPTypeAnswer:
		if p.signaling != SignalingStateHaveRemoteOffer {
			return fmt.Errorf("%w: local answer in %s", ErrInvalidState, p.signaling)
		}
		p.signaling = SignalingStateStable
		p.connection = ConnectionStateConnected
		p.applyCodecs()
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidDescription, desc.Type)
	}
	p.local = &desc
	p.gathering = ICEGatheringStateComplete
	return nil
}

func (p *Shim) SetRemoteDescription(desc SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	remote, err := offeredCodecs(desc.SDP)
	if err != nil {
		return err
	}

	switch desc.Type {
	case SDPTypeOffer:
		if p.signaling != SignalingStateStable {
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, p.signaling)
		}
		p.codecs = negotiate(remote)
		p.signaling = SignalingStateHaveRemoteOffer
	case SDPTypeAnswer:
		if p.signaling != SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, p.signaling)
		}
		p.codecs = negotiate(remote)
		p.signaling = SignalingStateStable
		p.connection = ConnectionStateConnected
		p.applyCodecs()
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidDescription, desc.Type)
	}
	p.remote = &desc
	p.candidates = append(p.candidates, p.early...)
	p.early = nil
	if len(p.receivers) == 0 {
		p.receivers = append(p.receivers, &rtpReceiver{track: remoteTrack{id: "remote-audio"}})
	}
	return nil
}

func (p *Shim) applyCodecs() {
	if len(p.codecs) == 0 {
		return
	}
	for _, s := range p.senders {
		s.setCodecs(p.codecs)
	}
}

func (p *Shim) LocalDescription() *SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	d := *p.local
	return &d
}

func (p *Shim) RemoteDescription() *SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil
	}
	d := *p.remote
	return &d
}

func (p *Shim) AddAudioSender(track *AudioTrack) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s := newRTPSender(p, track, rand.Uint32(), uint16(rand.UintN(1<<16)), rand.Uint32())
	if len(p.codecs) > 0 {
		s.setCodecs(p.codecs)
	}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Shim) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *Shim) Receivers() []Receiver {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Receiver, 0, len(p.receivers))
	for _, r := range p.receivers {
		out = append(out, r)
	}
	return out
}

// AddICECandidate records trickled candidates. An empty candidate marks the end of gathering.
// Candidates that arrive before the remote description are held until it is set.
func (p *Shim) AddICECandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if candidate == "" {
		return nil
	}
	if p.remote == nil {
		p.early = append(p.early, candidate)
		return nil
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *Shim) HandleRTP(packet []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return nil, fmt.Errorf("media: unmarshal rtp: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.receivers) == 0 {
		p.receivers = append(p.receivers, &rtpReceiver{track: remoteTrack{id: "remote-audio"}})
	}
	r := p.receivers[0]
	codec := ""
	for _, c := range p.codecs {
		if c.PayloadType == pkt.PayloadType {
			codec = c.Name
			break
		}
	}
	p.mu.Unlock()

	r.record(&pkt, codec)
	return pkt.Payload, nil
}

func (p *Shim) GetStats() StatsReport {
	p.mu.Lock()
	senders := append([]*rtpSender(nil), p.senders...)
	receivers := append([]*rtpReceiver(nil), p.receivers...)
	codec := p.negotiatedLocked()
	p.mu.Unlock()

	report := StatsReport{"peer-connection": {
		ID:        "peer-connection",
		Type:      StatsTypePeerConnection,
		Timestamp: p.opts.Now(),
		Codec:     codec.Name,
	}}
	for _, s := range senders {
		for k, v := range s.GetStats() {
			report[k] = v
		}
	}
	for _, r := range receivers {
		for k, v := range r.GetStats() {
			report[k] = v
		}
	}
	return report
}

func (p *Shim) ConnectionState() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connection
}

func (p *Shim) SignalingState() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *Shim) ICEGatheringState() ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathering
}

// NegotiatedCodec returns the first agreed codec, or PCMU before negotiation.
func (p *Shim) NegotiatedCodec() Codec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiatedLocked()
}

func (p *Shim) negotiatedLocked() Codec {
	if len(p.codecs) == 0 {
		return CodecPCMU
	}
	return p.codecs[0]
}

// Close stops all senders. It is safe to call more than once.
func (p *Shim) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signaling = SignalingStateClosed
	p.connection = ConnectionStateClosed
	senders := append([]*rtpSender(nil), p.senders...)
	p.mu.Unlock()

	for _, s := range senders {
		_ = s.Stop()
	}
	return nil
}

func (p *Shim) emit(packet []byte) error {
	if p.opts.Sink == nil {
		return nil
	}
	return p.opts.Sink(packet)
}
