package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/crescent-stdio/wave-roll-sub001"
)

const defaultTempo = 120

// notesFile is the on-disk note format. A bare JSON array of notes is also
// accepted and plays at the default tempo.
type notesFile struct {
	OriginalTempo float64         `json:"originalTempo"`
	Notes         []waveroll.Note `json:"notes"`
}

func loadNotes(path string) ([]waveroll.Note, float64, error) {
	if strings.TrimSpace(path) == "" {
		return nil, defaultTempo, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return parseNotes(data)
}

func parseNotes(data []byte) ([]waveroll.Note, float64, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var notes []waveroll.Note
		if err := json.Unmarshal(data, &notes); err != nil {
			return nil, 0, fmt.Errorf("parse notes: %w", err)
		}
		return notes, defaultTempo, nil
	}
	var f notesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, 0, fmt.Errorf("parse notes: %w", err)
	}
	if f.OriginalTempo <= 0 {
		f.OriginalTempo = defaultTempo
	}
	return f.Notes, f.OriginalTempo, nil
}
