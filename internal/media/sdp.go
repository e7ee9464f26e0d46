package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	sessionName = "call-bridge"
	// Media never flows over UDP here; the discard port marks the m-line as present.
	placeholderPort = 9
)

// buildDescription renders an audio-only session carrying codecs in preference order.
func buildDescription(sessionID, version uint64, codecs []Codec, ssrc uint32) (string, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: placeholderPort},
			Protos: []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{
			{Key: "mid", Value: "0"},
			{Key: "sendrecv"},
		},
	}
	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
	}
	// WithCodec appends formats as it goes; keep exactly one per codec.
	md.MediaName.Formats = formats
	md = md.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", ssrc, sessionName))
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	raw, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("media: marshal sdp: %w", err)
	}
	return string(raw), nil
}

// offeredCodecs parses a remote description and returns the audio codecs it lists,
// in the remote's order.
func offeredCodecs(raw string) ([]Codec, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescription, err)
	}

	var out []Codec
	sawAudio := false
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		sawAudio = true
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			c, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				if static, ok := staticCodec(uint8(pt)); ok {
					out = append(out, static)
				}
				continue
			}
			out = append(out, Codec{
				PayloadType: uint8(pt),
				Name:        c.Name,
				ClockRate:   c.ClockRate,
				Channels:    channels(c.EncodingParameters),
				Fmtp:        c.Fmtp,
			})
		}
	}
	if !sawAudio {
		return nil, fmt.Errorf("%w: no audio media section", ErrInvalidDescription)
	}
	return out, nil
}

// negotiate keeps the remote's order and payload numbers for codecs supported
// locally. It falls back to PCMU when there is no overlap.
func negotiate(remote []Codec) []Codec {
	var out []Codec
	for _, rc := range remote {
		for _, lc := range SupportedCodecs {
			if strings.EqualFold(rc.Name, lc.Name) && rc.ClockRate == lc.ClockRate {
				c := lc
				c.PayloadType = rc.PayloadType
				if rc.Fmtp != "" {
					c.Fmtp = rc.Fmtp
				}
				out = append(out, c)
				break
			}
		}
	}
	if len(out) == 0 {
		return []Codec{CodecPCMU}
	}
	return out
}

func staticCodec(pt uint8) (Codec, bool) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, true
	case CodecPCMA.PayloadType:
		return CodecPCMA, true
	default:
		return Codec{}, false
	}
}

func channels(encodingParameters string) uint16 {
	if encodingParameters == "" {
		return 1
	}
	n, err := strconv.ParseUint(encodingParameters, 10, 16)
	if err != nil || n == 0 {
		return 1
	}
	return uint16(n)
}
