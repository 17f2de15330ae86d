package waveroll

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/backend/soft"
	"github.com/crescent-stdio/wave-roll-sub001/internal/controller"
	"github.com/crescent-stdio/wave-roll-sub001/internal/eventloop"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
)

// AudioBuffer is decoded audio: interleaved stereo float32 at SampleRate.
type AudioBuffer struct {
	SampleRate int
	Data       []float32
}

// AudioSource is an audio file rendered alongside the notes. ID is the
// file id used for mixing; it is generated when empty.
type AudioSource struct {
	ID     string
	Name   string
	Buffer AudioBuffer
}

// RenderOptions tunes an offline render. The zero value plays once from the
// start at the original tempo.
type RenderOptions struct {
	Repeat       bool
	PlaybackRate float64
	Volume       *float64
	Logger       *zap.Logger
}

// RenderSamples bounces seconds of playback to interleaved stereo float32.
// It runs the same controller as a live Engine on a simulated clock.
func RenderSamples(notes []Note, originalTempo float64, sources []AudioSource, seconds float64, sampleRate int) ([]float32, error) {
	return RenderSamplesWithOptions(notes, originalTempo, sources, seconds, sampleRate, RenderOptions{})
}

func RenderSamplesWithOptions(notes []Note, originalTempo float64, sources []AudioSource, seconds float64, sampleRate int, opts RenderOptions) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	loop := eventloop.NewManual(time.Unix(0, 0))
	mixer := soft.New(soft.Options{SampleRate: sampleRate, Scheduler: loop, Logger: opts.Logger})
	defer mixer.Close()

	reg := registry.NewMemory()
	buffers := make(map[string]backend.Buffer, len(sources))
	for i, src := range sources {
		path := fmt.Sprintf("memory:%d", i)
		buffers[path] = backend.Buffer{SampleRate: src.Buffer.SampleRate, Data: src.Buffer.Data}
		reg.Put(registry.SourceFile{ID: src.ID, Name: src.Name, Path: path, Kind: registry.KindAudio, Visible: true})
	}

	tick := controller.DefaultTickInterval
	ctrl := controller.New(controller.Options{
		Backend:   mixer,
		Scheduler: loop,
		Registry:  reg,
		Loader: func(path string) (backend.Buffer, error) {
			buf, ok := buffers[path]
			if !ok {
				return backend.Buffer{}, fmt.Errorf("no buffer for %s", path)
			}
			return buf, nil
		},
		Logger:       opts.Logger,
		TickInterval: tick,
		Repeat:       opts.Repeat,
	})
	defer ctrl.Destroy()

	ctrl.LoadNotes(notes, originalTempo)
	if opts.PlaybackRate > 0 {
		ctrl.SetPlaybackRate(opts.PlaybackRate)
	}
	if opts.Volume != nil {
		ctrl.SetVolume(*opts.Volume)
	}
	if err := ctrl.Play(context.Background()); err != nil {
		return nil, err
	}

	frames := int(float64(sampleRate) * seconds)
	chunk := int(tick.Seconds() * float64(sampleRate))
	if chunk <= 0 {
		chunk = 1
	}
	out := make([]float32, frames*2)
	for pos := 0; pos < frames; pos += chunk {
		n := chunk
		if pos+n > frames {
			n = frames - pos
		}
		mixer.Process(out[pos*2 : (pos+n)*2])
		loop.Advance(time.Duration(float64(n) / float64(sampleRate) * float64(time.Second)))
	}
	return out, nil
}

// EncodeWAVFloat32LE wraps samples in a 32-bit float WAV container.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}

// EncodeWAV16 writes interleaved stereo samples as 16-bit PCM WAV.
func EncodeWAV16(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 2, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * 32767))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
