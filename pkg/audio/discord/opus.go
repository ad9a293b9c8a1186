package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20

	// opusFrameSize is the number of samples per channel in one frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusFrameBytes is the PCM input size of one frame:
	// 960 samples × 2 channels × 2 bytes = 3840 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2

	// opusMaxPacket bounds the encoded packet size.
	opusMaxPacket = 4000
)

// opusEncoder wraps a gopus encoder. It keeps codec state between frames,
// so one encoder must only be used by one playback at a time.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode turns one frame of interleaved little-endian PCM into an Opus packet.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	pcm := make([]int16, len(frame)/2)
	for i := range pcm {
		pcm[i] = int16(frame[i*2]) | int16(frame[i*2+1])<<8
	}
	pkt, err := e.enc.Encode(pcm, opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}
