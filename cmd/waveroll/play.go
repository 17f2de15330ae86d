package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001"
	"github.com/crescent-stdio/wave-roll-sub001/internal/registry"
)

var playFlags struct {
	notes     string
	dir       string
	tempo     float64
	repeat    bool
	autoStart bool
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play notes and a directory of audio files with an interactive prompt.",
	RunE:  runPlay,
}

func init() {
	f := playCmd.Flags()
	f.StringVar(&playFlags.notes, "notes", "", "path to a notes JSON file")
	f.StringVar(&playFlags.dir, "dir", "", "directory of .wav/.mp3 files to play alongside (default $WAVEROLL_SOURCE_DIR)")
	f.Float64Var(&playFlags.tempo, "tempo", 0, "playback tempo in BPM (default: the notes' original tempo)")
	f.BoolVar(&playFlags.repeat, "repeat", false, "loop the whole track")
	f.BoolVar(&playFlags.autoStart, "start", true, "start playback immediately")
}

// playhead keeps the latest visual time for the prompt.
type playhead struct{ bits atomic.Uint64 }

func (p *playhead) SetTime(v float64) { p.bits.Store(math.Float64bits(v)) }
func (p *playhead) Time() float64     { return math.Float64frombits(p.bits.Load()) }

func runPlay(cmd *cobra.Command, args []string) error {
	notes, origTempo, err := loadNotes(playFlags.notes)
	if err != nil {
		return err
	}

	dirPath := playFlags.dir
	if dirPath == "" {
		dirPath = cfg.SourceDir
	}
	files := sources(func() []waveroll.SourceFile { return nil })
	opts := []waveroll.EngineOption{
		waveroll.WithSampleRate(cfg.SampleRate),
		waveroll.WithLogger(log),
		waveroll.WithTickInterval(cfg.TickInterval),
		waveroll.WithAutoPauseGuard(cfg.AutoPauseGuard),
		waveroll.WithRepeat(playFlags.repeat || cfg.Repeat),
	}
	if dirPath != "" {
		dir, err := registry.NewDir(dirPath, log)
		if err != nil {
			return err
		}
		opts = append(opts, waveroll.WithRegistry(dir))
		files = dir.Files
	}
	head := &playhead{}
	opts = append(opts, waveroll.WithPlayheadSink(head))

	e, err := waveroll.NewEngine(opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	e.LoadNotes(notes, origTempo)
	if playFlags.tempo > 0 {
		e.SetTempo(playFlags.tempo)
	}
	log.Info("loaded",
		zap.Int("notes", len(notes)),
		zap.Float64("originalTempo", origTempo),
		zap.Int("audioFiles", len(files())),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "waveroll> ",
		AutoComplete: completer(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	go printEvents(e.Watch(), rl.Stdout())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if playFlags.autoStart {
		if err := e.Play(ctx); err != nil {
			return err
		}
	}
	return repl(ctx, rl, e, files, head)
}

func repl(ctx context.Context, rl *readline.Instance, p player, src sources, head *playhead) error {
	for {
		rl.SetPrompt(fmt.Sprintf("waveroll [%7.2fs]> ", head.Time()))
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c, ok := parseCommand(line)
		if !ok {
			continue
		}
		if err := run(ctx, p, src, c, rl.Stdout()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(rl.Stderr(), err)
		}
	}
}

func printEvents(ch <-chan waveroll.PlaybackEvent, w io.Writer) {
	loops := 0
	for ev := range ch {
		switch ev.Kind {
		case waveroll.EventPlaybackEnded:
			fmt.Fprintln(w, "playback completed")
		case waveroll.EventLoopCompleted:
			loops++
			fmt.Fprintf(w, "loop %d completed\n", loops)
		case waveroll.EventAutoPaused:
			fmt.Fprintln(w, "paused: all sources silent")
		case waveroll.EventAutoResumed:
			fmt.Fprintln(w, "resumed")
		}
	}
}
