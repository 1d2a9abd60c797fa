package manifest

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

type wireEntry struct {
	FileName    string `json:"file-name"`
	FileSize    int64  `json:"file-size"`
	FileVersion string `json:"file-version"`
	ChunkID     int32  `json:"chunk-id"`
	RelativeURL string `json:"relative-url"`
}

// Encode serializes doc. Property keys are written in sorted order.
func Encode(doc *Document) ([]byte, error) {
	entries := make([]wireEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, wireEntry{
			FileName:    e.Name,
			FileSize:    e.Size,
			FileVersion: e.Version,
			ChunkID:     e.ChunkID,
			RelativeURL: e.RelativeURL,
		})
	}

	root := make(map[string]interface{}, len(doc.Properties)+3)
	for k, v := range doc.Properties {
		root[k] = v
	}
	root[KeyEntriesCount] = len(entries)
	root[KeyEntries] = entries
	if doc.HasChunkList {
		list := doc.ChunkList
		if list == nil {
			list = []int32{}
		}
		root[KeyDownloadChunkList] = list
	}

	out, err := sonic.ConfigStd.MarshalIndent(root, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return out, nil
}

// LocalEntry returns e as recorded in the local state document, which only
// tracks on-disk presence.
func LocalEntry(e pak.Entry) pak.Entry {
	e.ChunkID = pak.LocalChunkID
	e.RelativeURL = pak.LocalRelativeURL
	return e
}

// Compress wraps data in a zstd frame.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
