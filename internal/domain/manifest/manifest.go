// Package manifest reads and writes manifest documents: the build manifest
// published on the CDN, the cached copy of it, the embedded manifest shipped
// with the install, and the local state document.
//
// Documents are JSON objects:
//
//	{
//	  "entries-count": 1,
//	  "entries": [
//	    {"file-name": "a.pak", "file-size": 100, "file-version": "SHA1:...",
//	     "chunk-id": 7, "relative-url": "/paks/a.pak"}
//	  ],
//	  "build-id": "1.2.0"
//	}
//
// Any other top-level string field is kept as a property. A document may be
// stored as a zstd frame; Parse detects and decompresses it.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// Document keys.
const (
	KeyEntriesCount      = "entries-count"
	KeyEntries           = "entries"
	KeyFileName          = "file-name"
	KeyFileSize          = "file-size"
	KeyFileVersion       = "file-version"
	KeyChunkID           = "chunk-id"
	KeyRelativeURL       = "relative-url"
	KeyBuildID           = "build-id"
	KeyClientBuildID     = "client-build-id"
	KeyDownloadChunkList = "download-chunk-id-list"
)

var (
	// ErrEmpty is returned for a zero-length document.
	ErrEmpty = errors.New("manifest is empty")
	// ErrNotObject is returned when the document root is not a JSON object.
	ErrNotObject = errors.New("manifest root is not an object")
	// ErrCountMismatch is returned when entries-count disagrees with the
	// number of valid entries. The whole document is discarded.
	ErrCountMismatch = errors.New("manifest entry count mismatch")
	// ErrMissingEntries is returned by Validate when no entries field exists.
	ErrMissingEntries = errors.New("manifest has no entries field")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Document is a parsed manifest.
type Document struct {
	Entries    []pak.Entry
	Properties map[string]string

	// ChunkList is the remote-controlled download allowlist, when present.
	ChunkList    []int32
	HasChunkList bool
}

// BuildID returns the build-id property.
func (d *Document) BuildID() string {
	if d == nil {
		return ""
	}
	return d.Properties[KeyBuildID]
}

// Parse decodes a manifest document. Invalid entries are skipped and logged;
// a document whose entry count does not match is rejected.
func Parse(data []byte, logger *zap.Logger) (*Document, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := decodeRoot(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{Properties: make(map[string]string)}
	expected := -1

	for key, value := range root {
		switch key {
		case KeyEntriesCount:
			if n, ok := value.(float64); ok {
				expected = int(n)
			}
		case KeyEntries:
			list, ok := value.([]interface{})
			if !ok {
				logger.Warn("Manifest entries field is not an array")
				continue
			}
			for i, raw := range list {
				entry, err := parseEntry(raw)
				if err != nil {
					logger.Warn("Skipping manifest entry", zap.Int("index", i), zap.Error(err))
					continue
				}
				doc.Entries = append(doc.Entries, entry)
			}
		case KeyDownloadChunkList:
			list, ok := value.([]interface{})
			if !ok {
				continue
			}
			doc.HasChunkList = true
			for _, v := range list {
				if n, ok := v.(float64); ok {
					doc.ChunkList = append(doc.ChunkList, int32(n))
				}
			}
		default:
			if s, ok := value.(string); ok {
				doc.Properties[key] = s
			}
		}
	}

	if expected >= 0 && expected != len(doc.Entries) {
		logger.Error("Manifest entry count mismatch",
			zap.Int("expected", expected),
			zap.Int("parsed", len(doc.Entries)))
		return nil, fmt.Errorf("%w: expected %d, parsed %d", ErrCountMismatch, expected, len(doc.Entries))
	}

	return doc, nil
}

// ParseFile reads and parses the manifest at path.
func ParseFile(path string, logger *zap.Logger) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	doc, err := Parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return doc, nil
}

// Validate checks that data is a structurally complete document: it must
// parse, carry an entries field, and satisfy its entry count.
func Validate(data []byte) error {
	root, err := decodeRoot(data)
	if err != nil {
		return err
	}
	if _, ok := root[KeyEntries]; !ok {
		return ErrMissingEntries
	}
	_, err = Parse(data, nil)
	return err
}

// SetProperty returns data with the top-level string field key set to value.
// The rest of the document is preserved.
func SetProperty(data []byte, key, value string) ([]byte, error) {
	root, err := decodeRoot(data)
	if err != nil {
		return nil, err
	}
	root[key] = value
	out, err := sonic.ConfigStd.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return out, nil
}

func decodeRoot(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := decompress(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	var root interface{}
	if err := sonic.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to decode manifest json: %w", err)
	}
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress manifest: %w", err)
	}
	return plain, nil
}

func parseEntry(raw interface{}) (pak.Entry, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return pak.Entry{}, errors.New("entry is not an object")
	}

	var e pak.Entry

	name, _ := obj[KeyFileName].(string)
	if name == "" {
		return e, errors.New("missing or empty file-name")
	}
	e.Name = name

	size, ok := obj[KeyFileSize].(float64)
	if !ok || size < 0 || size > math.MaxInt64 {
		return e, fmt.Errorf("missing or invalid file-size for %s", name)
	}
	e.Size = int64(size)

	version, _ := obj[KeyFileVersion].(string)
	if version == "" {
		return e, fmt.Errorf("missing or empty file-version for %s", name)
	}
	e.Version = version

	e.ChunkID = pak.LocalChunkID
	if id, ok := obj[KeyChunkID].(float64); ok {
		e.ChunkID = int32(id)
	}

	e.RelativeURL = pak.LocalRelativeURL
	if rel, ok := obj[KeyRelativeURL].(string); ok {
		e.RelativeURL = rel
	}

	return e, nil
}
