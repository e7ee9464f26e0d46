package media

import "sync"

// AudioTrack is the outbound audio source of a call. Frames written to it are
// handed to whichever sender it is attached to.
type AudioTrack struct {
	id string

	mu     sync.RWMutex
	sender *rtpSender
}

func NewAudioTrack(id string) *AudioTrack {
	return &AudioTrack{id: id}
}

func (t *AudioTrack) ID() string   { return t.id }
func (t *AudioTrack) Kind() string { return "audio" }

// WriteFrame packetizes one encoded frame in the negotiated codec.
func (t *AudioTrack) WriteFrame(frame []byte) error {
	t.mu.RLock()
	s := t.sender
	t.mu.RUnlock()
	if s == nil {
		return ErrNoSender
	}
	return s.write(frame)
}

func (t *AudioTrack) attach(s *rtpSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *AudioTrack) detach(s *rtpSender) {
	t.mu.Lock()
	if t.sender == s {
		t.sender = nil
	}
	t.mu.Unlock()
}

// remoteTrack stands for the audio the platform sends us.
type remoteTrack struct{ id string }

func (t remoteTrack) ID() string   { return t.id }
func (t remoteTrack) Kind() string { return "audio" }
