package media

// PeerConnection is every operation the signaling client may invoke while
// setting up or inspecting a call. Implementations must return usable values
// from all getters, including after Close.
type PeerConnection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	LocalDescription() *SessionDescription
	RemoteDescription() *SessionDescription

	AddAudioSender(track *AudioTrack) (Sender, error)
	Senders() []Sender
	Receivers() []Receiver
	AddICECandidate(candidate string) error

	// HandleRTP accepts one inbound RTP packet and returns its audio payload.
	HandleRTP(packet []byte) ([]byte, error)

	GetStats() StatsReport
	ConnectionState() ConnectionState
	SignalingState() SignalingState
	ICEGatheringState() ICEGatheringState
	NegotiatedCodec() Codec
	Close() error
}

type Track interface {
	ID() string
	Kind() string
}

type Sender interface {
	Track() Track
	GetParameters() SendParameters
	SetParameters(params SendParameters) error
	ReplaceTrack(track *AudioTrack) error
	GetStats() StatsReport
	Stop() error
}

type Receiver interface {
	Track() Track
	GetStats() StatsReport
}
