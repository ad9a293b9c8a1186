package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/yomiage/pkg/audio"
)

func TestDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, -1, 1000, -1000})
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 24000, Channels: 1})

	unit, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if unit.SampleRate != 24000 || unit.Channels != 1 {
		t.Errorf("format = %s, want 24000Hz mono", unit.Format())
	}
	if !bytes.Equal(unit.Data, pcm) {
		t.Errorf("Data = %v, want %v", unit.Data, pcm)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{7, 8})
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 24000, Channels: 1})

	// Splice an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'a', 'b', 'c', 0)
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	unit, err := audio.DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !bytes.Equal(unit.Data, pcm) {
		t.Errorf("Data = %v, want %v", unit.Data, pcm)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()

	valid := audio.EncodeWAV([]byte{0, 0}, audio.Format{SampleRate: 24000, Channels: 1})
	float := append([]byte{}, valid...)
	binary.LittleEndian.PutUint16(float[20:], 3)
	noData := valid[:36]

	tests := []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: nil},
		{name: "not riff", in: []byte("RIFX0000WAVEfmt ")},
		{name: "float format", in: float},
		{name: "missing data", in: noData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.DecodeWAV(tt.in); !errors.Is(err, audio.ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
