package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/crescent-stdio/wave-roll-sub001"
)

var errQuit = errors.New("quit")

// player is the part of *waveroll.Engine the REPL drives.
type player interface {
	Play(ctx context.Context) error
	Pause()
	Seek(seconds float64, updateVisual bool)
	Restart()
	ToggleRepeat(enabled bool)
	SetTempo(bpm float64)
	SetPlaybackRate(pct float64)
	SetLoopPoints(start, end *float64, preservePosition bool)
	SetVolume(v float64)
	SetPan(p float64)
	SetFileMute(id string, muted bool)
	SetFileVolume(id string, v float64)
	SetFilePan(id string, p float64)
	State() waveroll.State
}

type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("play"),
		readline.PcItem("pause"),
		readline.PcItem("seek"),
		readline.PcItem("restart"),
		readline.PcItem("tempo"),
		readline.PcItem("rate"),
		readline.PcItem("loop", readline.PcItem("off")),
		readline.PcItem("repeat", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("vol"),
		readline.PcItem("pan"),
		readline.PcItem("mute"),
		readline.PcItem("unmute"),
		readline.PcItem("filevol"),
		readline.PcItem("filepan"),
		readline.PcItem("files"),
		readline.PcItem("state"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

const helpText = `commands:
  play | pause | restart
  seek <sec>
  tempo <bpm> | rate <pct>
  loop <start|-> <end|-> | loop off
  repeat on|off
  vol <0..1> | pan <-1..1>
  mute <file> | unmute <file>
  filevol <file> <0..1> | filepan <file> <-1..1>
  files | state | quit`

// run executes one REPL command against p.
func run(ctx context.Context, p player, src sources, cmd command, out io.Writer) error {
	switch cmd.name {
	case "play":
		return p.Play(ctx)
	case "pause":
		p.Pause()
	case "restart":
		p.Restart()
	case "seek":
		v, err := floatArg(cmd, 0)
		if err != nil {
			return err
		}
		p.Seek(v, true)
	case "tempo":
		v, err := floatArg(cmd, 0)
		if err != nil {
			return err
		}
		p.SetTempo(v)
	case "rate":
		v, err := floatArg(cmd, 0)
		if err != nil {
			return err
		}
		p.SetPlaybackRate(v)
	case "loop":
		if len(cmd.args) == 1 && cmd.args[0] == "off" {
			p.SetLoopPoints(nil, nil, false)
			return nil
		}
		if len(cmd.args) != 2 {
			return fmt.Errorf("usage: loop <start|-> <end|->")
		}
		start, err := optionalFloat(cmd.args[0])
		if err != nil {
			return err
		}
		end, err := optionalFloat(cmd.args[1])
		if err != nil {
			return err
		}
		p.SetLoopPoints(start, end, false)
	case "repeat":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: repeat on|off")
		}
		switch cmd.args[0] {
		case "on":
			p.ToggleRepeat(true)
		case "off":
			p.ToggleRepeat(false)
		default:
			return fmt.Errorf("usage: repeat on|off")
		}
	case "vol":
		v, err := floatArg(cmd, 0)
		if err != nil {
			return err
		}
		p.SetVolume(v)
	case "pan":
		v, err := floatArg(cmd, 0)
		if err != nil {
			return err
		}
		p.SetPan(v)
	case "mute", "unmute":
		if len(cmd.args) != 1 {
			return fmt.Errorf("usage: %s <file>", cmd.name)
		}
		id, err := src.resolve(cmd.args[0])
		if err != nil {
			return err
		}
		p.SetFileMute(id, cmd.name == "mute")
	case "filevol", "filepan":
		if len(cmd.args) != 2 {
			return fmt.Errorf("usage: %s <file> <value>", cmd.name)
		}
		id, err := src.resolve(cmd.args[0])
		if err != nil {
			return err
		}
		v, err := floatArg(cmd, 1)
		if err != nil {
			return err
		}
		if cmd.name == "filevol" {
			p.SetFileVolume(id, v)
		} else {
			p.SetFilePan(id, v)
		}
	case "files":
		for _, f := range src() {
			fmt.Fprintf(out, "%s  %s  visible=%t\n", shortID(f.ID), f.Name, f.Visible)
		}
	case "state":
		printState(out, p.State())
	case "help":
		fmt.Fprintln(out, helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd.name)
	}
	return nil
}

func floatArg(cmd command, i int) (float64, error) {
	if i >= len(cmd.args) {
		return 0, fmt.Errorf("%s: missing argument", cmd.name)
	}
	v, err := strconv.ParseFloat(cmd.args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", cmd.name, cmd.args[i])
	}
	return v, nil
}

func optionalFloat(s string) (*float64, error) {
	if s == "-" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return &v, nil
}

func printState(w io.Writer, st waveroll.State) {
	loop := "off"
	if st.LoopEnd != nil {
		start := 0.0
		if st.LoopStart != nil {
			start = *st.LoopStart
		}
		loop = fmt.Sprintf("%.2f-%.2f", start, *st.LoopEnd)
	}
	fmt.Fprintf(w, "playing=%t repeat=%t time=%.2f/%.2f tempo=%.1f (orig %.1f) rate=%.0f%% vol=%.2f pan=%.2f loop=%s\n",
		st.IsPlaying, st.IsRepeating, st.CurrentTime, st.Duration,
		st.Tempo, st.OriginalTempo, st.PlaybackRate, st.Volume, st.Pan, loop)
}

// sources lists the audio files currently known to the engine.
type sources func() []waveroll.SourceFile

// resolve matches a file name, full id or unique id prefix.
func (s sources) resolve(key string) (string, error) {
	var match string
	for _, f := range s() {
		if f.ID == key || strings.EqualFold(f.Name, key) {
			return f.ID, nil
		}
		if strings.HasPrefix(f.ID, key) {
			if match != "" {
				return "", fmt.Errorf("%q matches more than one file", key)
			}
			match = f.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no file %q", key)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
