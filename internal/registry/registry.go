// Package registry tracks the source files the engine can play. It replaces
// a process-wide file list with an injected Registry the buffer pool polls.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindNotes Kind = "notes"
)

type SourceFile struct {
	ID      string
	Name    string
	Path    string
	Kind    Kind
	Visible bool
}

// Registry is polled for the current file list.
type Registry interface {
	Files() []SourceFile
}

// Notifier is implemented by registries that can announce changes. A value
// on the channel means Files may return something new; it carries no diff.
type Notifier interface {
	Changes() <-chan struct{}
}

// Memory is a registry held in memory.
type Memory struct {
	mu      sync.RWMutex
	files   []SourceFile
	changes chan struct{}
}

var (
	_ Registry = (*Memory)(nil)
	_ Notifier = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{changes: make(chan struct{}, 1)}
}

func (m *Memory) Files() []SourceFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourceFile, len(m.files))
	copy(out, m.files)
	return out
}

func (m *Memory) Changes() <-chan struct{} { return m.changes }

// Add registers a visible file under a fresh id.
func (m *Memory) Add(name, path string, kind Kind) SourceFile {
	f := SourceFile{ID: uuid.New().String(), Name: name, Path: path, Kind: kind, Visible: true}
	m.Put(f)
	return f
}

// Put inserts f, or replaces the entry with the same id. An empty id is
// filled in.
func (m *Memory) Put(f SourceFile) SourceFile {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	m.mu.Lock()
	replaced := false
	for i := range m.files {
		if m.files[i].ID == f.ID {
			m.files[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		m.files = append(m.files, f)
	}
	m.mu.Unlock()
	m.notify()
	return f
}

func (m *Memory) Remove(id string) bool {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx >= 0 {
		m.files = append(m.files[:idx], m.files[idx+1:]...)
	}
	m.mu.Unlock()
	if idx < 0 {
		return false
	}
	m.notify()
	return true
}

func (m *Memory) SetVisible(id string, visible bool) bool {
	m.mu.Lock()
	idx := m.indexLocked(id)
	changed := idx >= 0 && m.files[idx].Visible != visible
	if changed {
		m.files[idx].Visible = visible
	}
	m.mu.Unlock()
	if idx < 0 {
		return false
	}
	if changed {
		m.notify()
	}
	return true
}

// replace swaps the whole list and reports whether anything differed.
func (m *Memory) replace(files []SourceFile) bool {
	m.mu.Lock()
	changed := len(files) != len(m.files)
	if !changed {
		for i := range files {
			if files[i] != m.files[i] {
				changed = true
				break
			}
		}
	}
	if changed {
		m.files = files
	}
	m.mu.Unlock()
	if changed {
		m.notify()
	}
	return changed
}

func (m *Memory) indexLocked(id string) int {
	for i := range m.files {
		if m.files[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Memory) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}
