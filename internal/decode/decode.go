// Package decode turns audio files into backend buffers (interleaved stereo
// float32 in [-1, 1]).
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
)

var ErrUnsupportedFormat = errors.New("decode: unsupported format")

// Supported reports whether path has an extension File can decode.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

// File decodes the audio file at path.
func File(path string) (backend.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return backend.Buffer{}, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return WAV(f)
	case ".mp3":
		return MP3(f)
	default:
		return backend.Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// WAV decodes PCM WAV data.
func WAV(r io.ReadSeeker) (backend.Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return backend.Buffer{}, fmt.Errorf("%w: invalid WAV data", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return backend.Buffer{}, fmt.Errorf("decode wav: %w", err)
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth == 0 {
		return backend.Buffer{}, fmt.Errorf("%w: unknown WAV bit depth", ErrUnsupportedFormat)
	}
	return fromIntBuffer(buf, bitDepth), nil
}

func fromIntBuffer(buf *goaudio.IntBuffer, bitDepth int) backend.Buffer {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	factor := math.Pow(2, float64(bitDepth-1))
	frames := len(buf.Data) / channels
	out := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		l := float64(buf.Data[i*channels]) / factor
		r := l
		if channels > 1 {
			r = float64(buf.Data[i*channels+1]) / factor
		}
		out[i*2] = float32(l)
		out[i*2+1] = float32(r)
	}
	return backend.Buffer{SampleRate: buf.Format.SampleRate, Data: out}
}

// MP3 decodes MPEG-1 layer 3 data. go-mp3 always yields 16-bit stereo.
func MP3(r io.Reader) (backend.Buffer, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return backend.Buffer{}, fmt.Errorf("decode mp3: %w", err)
	}
	var out []float32
	if n := dec.Length(); n > 0 {
		out = make([]float32, 0, n/2)
	}
	chunk := make([]byte, 4096)
	for {
		n, err := dec.Read(chunk)
		for i := 0; i+1 < n; i += 2 {
			s := int16(binary.LittleEndian.Uint16(chunk[i:]))
			out = append(out, float32(s)/32768)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return backend.Buffer{}, fmt.Errorf("decode mp3: %w", err)
		}
	}
	if len(out)%2 == 1 {
		out = out[:len(out)-1]
	}
	return backend.Buffer{SampleRate: dec.SampleRate(), Data: out}, nil
}
