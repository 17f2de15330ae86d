package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crescent-stdio/wave-roll-sub001/internal/decode"
	"github.com/crescent-stdio/wave-roll-sub001/internal/logger"
)

// Dir lists the decodable audio files in one directory. Ids are derived from
// the absolute path, so a file keeps its id across rescans.
type Dir struct {
	*Memory
	path string
	log  *zap.Logger
}

func NewDir(path string, log *zap.Logger) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	d := &Dir{Memory: NewMemory(), path: abs, log: logger.OrNop(log)}
	if err := d.Rescan(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) Path() string { return d.path }

// Rescan rereads the directory.
func (d *Dir) Rescan() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}
	var files []SourceFile
	for _, e := range entries {
		if e.IsDir() || !decode.Supported(e.Name()) {
			continue
		}
		p := filepath.Join(d.path, e.Name())
		files = append(files, SourceFile{
			ID:      FileID(p),
			Name:    strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path:    p,
			Kind:    KindAudio,
			Visible: true,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if d.replace(files) {
		d.log.Debug("source directory changed", zap.String("dir", d.path), zap.Int("files", len(files)))
	}
	return nil
}

// Watch rescans whenever a supported file is created, removed, renamed or
// written, until ctx is done.
func (d *Dir) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(d.path); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !decode.Supported(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if err := d.Rescan(); err != nil {
				d.log.Warn("rescan source directory", zap.String("dir", d.path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("watcher error", zap.Error(err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FileID is the stable id Dir assigns to path.
func FileID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}
