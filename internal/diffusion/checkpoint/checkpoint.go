// Package checkpoint persists resumable training state as gzip-compressed
// gob files under a fixed checkpoint directory.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/banshee-data/sparsediff/internal/diffusion/model"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/diffusion/train"
	"github.com/banshee-data/sparsediff/internal/fsutil"
	"github.com/banshee-data/sparsediff/internal/security"
)

// DefaultDir is the directory checkpoints are written to.
const DefaultDir = "checkpoints"

// Extension is appended to checkpoint names.
const Extension = ".ckpt"

const formatVersion = 1

// File is the on-disk checkpoint content.
type File struct {
	Version    int
	Name       string
	SavedAt    time.Time
	RunID      string
	Model      model.Config
	Categories []string
	Stats      pointcloud.Stats
	Trainer    train.Snapshot
}

// FileCheckpointer writes checkpoints atomically: content goes to a
// temporary file that is renamed into place.
type FileCheckpointer struct {
	Dir string
	FS  fsutil.FileSystem
}

// NewFileCheckpointer returns a checkpointer rooted at dir on the OS
// filesystem. An empty dir means DefaultDir.
func NewFileCheckpointer(dir string) *FileCheckpointer {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileCheckpointer{Dir: dir, FS: fsutil.OSFileSystem{}}
}

// Path returns the file path for a checkpoint name.
func (c *FileCheckpointer) Path(name string) string {
	return path.Join(c.Dir, name+Extension)
}

// Save writes f under name and returns the final path.
func (c *FileCheckpointer) Save(name string, f *File) (string, error) {
	if err := security.ValidateName(name); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	f.Version = formatVersion
	f.Name = name

	blob, err := encode(f)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint %s: %w", name, err)
	}
	if err := c.FS.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	final := c.Path(name)
	tmp := final + ".tmp"
	w, err := c.FS.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := w.Write(blob); err != nil {
		w.Close()
		c.FS.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		c.FS.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := c.FS.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}
	log.Printf("[checkpoint] saved %s (epoch %d, step %d, %d bytes)", final, f.Trainer.Epoch, f.Trainer.Step, len(blob))
	return final, nil
}

// Load reads the checkpoint saved under name.
func (c *FileCheckpointer) Load(name string) (*File, error) {
	if err := security.ValidateName(name); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return c.LoadPath(c.Path(name))
}

// LoadPath reads a checkpoint from an explicit path.
func (c *FileCheckpointer) LoadPath(p string) (*File, error) {
	r, err := c.FS.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer r.Close()
	f, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", p, err)
	}
	return f, nil
}

// Exists reports whether a checkpoint with this name has been saved.
func (c *FileCheckpointer) Exists(name string) bool {
	return c.FS.Exists(c.Path(name))
}

func encode(f *File) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(f); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader) (*File, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var f File
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", f.Version)
	}
	return &f, nil
}
