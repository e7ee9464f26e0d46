package media

import (
	"errors"
	"time"
)

var (
	ErrClosed             = errors.New("media: peer connection closed")
	ErrInvalidState       = errors.New("media: operation not valid in current signaling state")
	ErrInvalidDescription = errors.New("media: invalid session description")
	ErrNoSender           = errors.New("media: track is not attached to a sender")
)

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is one side of an offer/answer exchange.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ConnectionState string

const (
	ConnectionStateNew       ConnectionState = "new"
	ConnectionStateConnected ConnectionState = "connected"
	ConnectionStateClosed    ConnectionState = "closed"
)

type SignalingState string

const (
	SignalingStateStable          SignalingState = "stable"
	SignalingStateHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingStateHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingStateClosed          SignalingState = "closed"
)

type ICEGatheringState string

const (
	ICEGatheringStateNew      ICEGatheringState = "new"
	ICEGatheringStateComplete ICEGatheringState = "complete"
)

// Codec is an audio payload format as it appears in an rtpmap line.
type Codec struct {
	PayloadType uint8  `json:"payload_type"`
	Name        string `json:"name"`
	ClockRate   uint32 `json:"clock_rate"`
	Channels    uint16 `json:"channels"`
	Fmtp        string `json:"fmtp,omitempty"`
}

var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1}
	CodecOpus = Codec{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"}
)

// SupportedCodecs is the local preference order. PCMU is the default when
// nothing else can be agreed.
var SupportedCodecs = []Codec{CodecPCMU, CodecPCMA, CodecOpus}

// samplesPerFrame is the RTP timestamp increment for one frame of payload.
func (c Codec) samplesPerFrame(payloadLen int) uint32 {
	switch c.Name {
	case CodecPCMU.Name, CodecPCMA.Name:
		// G.711 is one byte per sample.
		return uint32(payloadLen)
	default:
		// 20ms frames.
		return c.ClockRate / 50
	}
}

type Encoding struct {
	SSRC        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payload_type"`
	Active      bool   `json:"active"`
	MaxBitrate  uint64 `json:"max_bitrate,omitempty"`
}

// SendParameters mirrors what a sender reports and accepts. Each GetParameters
// issues a fresh TransactionID.
type SendParameters struct {
	TransactionID string     `json:"transaction_id"`
	Codecs        []Codec    `json:"codecs"`
	Encodings     []Encoding `json:"encodings"`
}

type StatsType string

const (
	StatsTypePeerConnection StatsType = "peer-connection"
	StatsTypeOutboundRTP    StatsType = "outbound-rtp"
	StatsTypeInboundRTP     StatsType = "inbound-rtp"
)

type Stats struct {
	ID        string    `json:"id"`
	Type      StatsType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SSRC      uint32    `json:"ssrc,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	Packets   uint64    `json:"packets"`
	Bytes     uint64    `json:"bytes"`
}

// StatsReport is keyed by Stats.ID. Reports returned by this package are never nil.
type StatsReport map[string]Stats

// PacketSink receives marshaled RTP packets produced by a sender.
type PacketSink func(packet []byte) error

// FrameSink accepts encoded audio frames for one call.
type FrameSink interface {
	WriteFrame(frame []byte) error
}
