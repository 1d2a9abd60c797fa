// Package persist saves the local state document: the list of paks that
// have bytes on disk. Writes go to a temporary file that is validated and
// then renamed over the canonical path.
package persist

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/manifest"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// FileSystem is the storage the persister writes through.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Rename(from, to string) error
	Remove(path string) error
}

// Options select the optional document keys.
type Options struct {
	// RemoteBuildID writes client-build-id.
	RemoteBuildID bool
	// RemoteChunkList writes download-chunk-id-list.
	RemoteChunkList bool
}

// State is the engine state stored next to the pak entries.
type State struct {
	BuildID   string
	ChunkList []int32
}

// Persister writes the local state document at Path.
type Persister struct {
	fs     FileSystem
	path   string
	opts   Options
	logger *zap.Logger
	dirty  bool
}

// New creates a persister for the document at path.
func New(fs FileSystem, path string, opts Options, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{fs: fs, path: path, opts: opts, logger: logger}
}

// Path returns the canonical document path.
func (p *Persister) Path() string {
	return p.path
}

// MarkDirty records that persisted state changed.
func (p *Persister) MarkDirty() {
	p.dirty = true
}

// Dirty reports whether a save is pending.
func (p *Persister) Dirty() bool {
	return p.dirty
}

// Document builds the local state document for cat.
func (p *Persister) Document(cat *pak.Catalog, st State) *manifest.Document {
	doc := &manifest.Document{Properties: make(map[string]string)}
	for _, rec := range cat.Records() {
		if rec.Embedded {
			continue
		}
		if rec.SizeOnDisk <= 0 && !rec.Downloading() {
			continue
		}
		doc.Entries = append(doc.Entries, manifest.LocalEntry(rec.Entry))
	}
	p.addState(doc, st)
	return doc
}

func (p *Persister) addState(doc *manifest.Document, st State) {
	if p.opts.RemoteChunkList {
		doc.HasChunkList = true
		doc.ChunkList = append([]int32(nil), st.ChunkList...)
	}
	if p.opts.RemoteBuildID {
		doc.Properties[manifest.KeyClientBuildID] = st.BuildID
	}
}

// Save writes the document when dirty, or always when force is set. The
// dirty flag is cleared only after the rename succeeds.
func (p *Persister) Save(cat *pak.Catalog, st State, force bool) error {
	if !force && !p.dirty {
		return nil
	}
	doc := p.Document(cat, st)
	if err := p.write(doc); err != nil {
		return err
	}
	p.dirty = false
	p.logger.Info("Saved local manifest", zap.Int("entries", len(doc.Entries)))
	return nil
}

// CreateDefault writes an empty document carrying st.
func (p *Persister) CreateDefault(st State) error {
	doc := &manifest.Document{Properties: make(map[string]string)}
	p.addState(doc, st)
	if err := p.write(doc); err != nil {
		return err
	}
	p.logger.Info("Created default local manifest", zap.String("path", p.path))
	return nil
}

// Load parses the document. A missing or invalid document is an error.
func (p *Persister) Load() (*manifest.Document, error) {
	data, err := p.fs.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read local manifest: %w", err)
	}
	doc, err := manifest.Parse(data, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse local manifest: %w", err)
	}
	return doc, nil
}

func (p *Persister) write(doc *manifest.Document) error {
	data, err := manifest.Encode(doc)
	if err != nil {
		return err
	}

	tmp := p.path + ".tmp"
	if err := p.fs.WriteFile(tmp, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	written, err := p.fs.ReadFile(tmp)
	if err == nil {
		err = manifest.Validate(written)
	}
	if err != nil {
		p.logger.Error("Validation failed for temp manifest", zap.String("path", tmp), zap.Error(err))
		_ = p.fs.Remove(tmp)
		return fmt.Errorf("failed to validate %s: %w", tmp, err)
	}

	if err := p.fs.Rename(tmp, p.path); err != nil {
		_ = p.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", p.path, err)
	}
	return nil
}
