package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001"
	"github.com/crescent-stdio/wave-roll-sub001/internal/decode"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
)

var renderFlags struct {
	notes   string
	audio   []string
	out     string
	seconds float64
	rate    float64
	format  string
	repeat  bool
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render notes and audio files to a WAV file without an audio device.",
	RunE:  runRender,
}

func init() {
	f := renderCmd.Flags()
	f.StringVar(&renderFlags.notes, "notes", "", "path to a notes JSON file")
	f.StringSliceVar(&renderFlags.audio, "audio", nil, "audio file to mix in (repeatable)")
	f.StringVarP(&renderFlags.out, "out", "o", "out.wav", "output WAV path")
	f.Float64Var(&renderFlags.seconds, "seconds", 0, "length to render (default: the whole track)")
	f.Float64Var(&renderFlags.rate, "rate", 100, "playback rate in percent")
	f.StringVar(&renderFlags.format, "format", "pcm16", "sample format: pcm16|float32")
	f.BoolVar(&renderFlags.repeat, "repeat", false, "loop the track until --seconds is reached")
}

func runRender(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(strings.TrimSpace(renderFlags.format))
	if format != "pcm16" && format != "float32" {
		return fmt.Errorf("invalid --format %q (expected pcm16|float32)", renderFlags.format)
	}
	if renderFlags.rate <= 0 {
		return fmt.Errorf("invalid --rate %v", renderFlags.rate)
	}
	notes, origTempo, err := loadNotes(renderFlags.notes)
	if err != nil {
		return err
	}

	var srcs []waveroll.AudioSource
	longest := 0.0
	for _, path := range renderFlags.audio {
		buf, err := decode.File(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		srcs = append(srcs, waveroll.AudioSource{
			ID:     registry.FileID(path),
			Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Buffer: waveroll.AudioBuffer{SampleRate: buf.SampleRate, Data: buf.Data},
		})
		if d := float64(buf.Frames()) / float64(buf.SampleRate); d > longest {
			longest = d
		}
	}

	seconds := renderFlags.seconds
	if seconds <= 0 {
		for _, n := range notes {
			if end := n.End(); end > longest {
				longest = end
			}
		}
		seconds = longest * 100 / renderFlags.rate
	}
	if seconds <= 0 {
		return fmt.Errorf("nothing to render: pass --notes, --audio or --seconds")
	}

	samples, err := waveroll.RenderSamplesWithOptions(notes, origTempo, srcs, seconds, cfg.SampleRate, waveroll.RenderOptions{
		Repeat:       renderFlags.repeat,
		PlaybackRate: renderFlags.rate,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	f, err := os.Create(renderFlags.out)
	if err != nil {
		return err
	}
	defer f.Close()
	if format == "float32" {
		_, err = f.Write(waveroll.EncodeWAVFloat32LE(samples, cfg.SampleRate, 2))
	} else {
		err = waveroll.EncodeWAV16(f, samples, cfg.SampleRate)
	}
	if err != nil {
		return err
	}
	log.Info("rendered",
		zap.String("out", renderFlags.out),
		zap.Float64("seconds", seconds),
		zap.Int("sources", len(srcs)),
	)
	return nil
}
