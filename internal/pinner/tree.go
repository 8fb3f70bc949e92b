package pinner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TreeEntry records one artifact's position in a pinned rendition set,
// relative to the work directory root it was pinned from.
type TreeEntry struct {
	Path           string `json:"path"`
	ContentAddress string `json:"content_address"`
	Size           int64  `json:"size"`
}

// TreeIndex is the document pinned as the root of a rendition set: every
// artifact's own content address, so a client holding the root address
// can resolve any segment, sub-playlist, or thumbnail without a directory
// listing from the store.
type TreeIndex struct {
	Entries   []TreeEntry `json:"entries"`
	TotalSize int64       `json:"total_size"`
}

// PinTree pins every regular file under rootDir individually, then pins a
// TreeIndex enumerating them, so the pipeline's single pin record (spec
// §4.F "streams them to a content-addressed store, receives a content
// address") covers the manifest, every rendition's playlist and segments,
// and thumbnails — not just the top-level manifest's own bytes.
func (p *Pinner) PinTree(ctx context.Context, rootDir string) (Pin, error) {
	var entries []TreeEntry
	var total int64

	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading artifact %s: %w", rel, err)
		}
		pin, err := p.Pin(ctx, data)
		if err != nil {
			return fmt.Errorf("pinning artifact %s: %w", rel, err)
		}
		entries = append(entries, TreeEntry{Path: rel, ContentAddress: pin.ContentAddress, Size: pin.Size})
		total += pin.Size
		return nil
	})
	if err != nil {
		return Pin{}, &PinError{Err: err}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	indexBytes, err := json.Marshal(TreeIndex{Entries: entries, TotalSize: total})
	if err != nil {
		return Pin{}, &PinError{Err: fmt.Errorf("marshaling tree index: %w", err)}
	}
	root, err := p.Pin(ctx, indexBytes)
	if err != nil {
		return Pin{}, err
	}
	return Pin{ContentAddress: root.ContentAddress, Size: total}, nil
}
