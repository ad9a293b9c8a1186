package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned by [DecodeWAV] for payloads that are not 16-bit
// PCM RIFF/WAVE data.
var ErrInvalidWAV = errors.New("audio: invalid wav payload")

// DecodeWAV extracts the PCM payload and format from a RIFF/WAVE file.
// Only uncompressed 16-bit PCM is accepted. Chunks other than "fmt " and
// "data" are skipped.
func DecodeWAV(wav []byte) (AudioUnit, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return AudioUnit{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		unit     AudioUnit
		foundFmt bool
	)
	le := binary.LittleEndian
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(le.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return AudioUnit{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if tag := le.Uint16(wav[body:]); tag != 1 {
				return AudioUnit{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			if bits := le.Uint16(wav[body+14:]); bits != 16 {
				return AudioUnit{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bits)
			}
			unit.Channels = int(le.Uint16(wav[body+2:]))
			unit.SampleRate = int(le.Uint32(wav[body+4:]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return AudioUnit{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := min(body+size, len(wav))
			unit.Data = wav[body:end]
			return unit, nil
		}

		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return AudioUnit{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// EncodeWAV wraps 16-bit PCM in a minimal 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:], "RIFF")
	le.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	le.PutUint32(buf[16:], 16)
	le.PutUint16(buf[20:], 1)
	le.PutUint16(buf[22:], uint16(f.Channels))
	le.PutUint32(buf[24:], uint32(f.SampleRate))
	le.PutUint32(buf[28:], uint32(f.SampleRate*f.Channels*2))
	le.PutUint16(buf[32:], uint16(f.Channels*2))
	le.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	le.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
