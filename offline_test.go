package waveroll

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/crescent-stdio/wave-roll-sub001/internal/decode"
)

func energy(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum
}

func TestRenderSamplesPlaysNotes(t *testing.T) {
	out, err := RenderSamples(testNotes(), 120, nil, 1.2, 8000)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(out) != 9600*2 {
		t.Fatalf("len = %d, want %d", len(out), 9600*2)
	}
	if energy(out[:4000*2]) == 0 {
		t.Fatalf("expected audio for the first note")
	}
}

func TestRenderSamplesMixesAudioSources(t *testing.T) {
	data := make([]float32, 8000*2)
	for i := range data {
		data[i] = 0.25
	}
	src := AudioSource{ID: "pad", Name: "pad", Buffer: AudioBuffer{SampleRate: 8000, Data: data}}

	out, err := RenderSamples(nil, 120, []AudioSource{src}, 0.5, 8000)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if energy(out) == 0 {
		t.Fatalf("expected the audio source in the mix")
	}
}

func TestRenderSamplesHalfSpeedStretchesNotes(t *testing.T) {
	notes := []Note{{Time: 0.5, Pitch: 69, Duration: 0.2, Velocity: 1, FileID: "a"}}
	normal, err := RenderSamples(notes, 120, nil, 0.8, 8000)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	slow, err := RenderSamplesWithOptions(notes, 120, nil, 0.8, 8000, RenderOptions{PlaybackRate: 50})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	// at half speed the note at 0.5s sounds at 1.0s, after the window
	if energy(normal[4000*2:5600*2]) == 0 {
		t.Fatalf("expected the note at normal speed")
	}
	if energy(slow[:6400*2]) != 0 {
		t.Fatalf("expected silence at half speed before 0.8s")
	}
}

func TestEncodeWAVFloat32LEHeader(t *testing.T) {
	b := EncodeWAVFloat32LE([]float32{0.5, -0.5}, 48000, 2)
	if len(b) != 52 {
		t.Fatalf("len = %d, want 52", len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF header")
	}
	if got := binary.LittleEndian.Uint16(b[20:]); got != 3 {
		t.Fatalf("format = %d, want IEEE float", got)
	}
}

func TestEncodeWAV16ReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := EncodeWAV16(f, []float32{0.5, -0.5, 2, 0}, 22050); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	buf, err := decode.WAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.SampleRate != 22050 || len(buf.Data) != 4 {
		t.Fatalf("got %d Hz, %d samples", buf.SampleRate, len(buf.Data))
	}
	if buf.Data[2] < 0.99 {
		t.Fatalf("clipped sample = %v, want ~1", buf.Data[2])
	}
}
