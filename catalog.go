package quiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/searcher"
)

// catalogPath is where the name → generation mapping is persisted, next to
// the artifacts it refers to.
const catalogPath = "indices/catalog.json"

// catalogFile is the persisted catalog layout. Generations are listed
// oldest first; the first entry is the primary.
type catalogFile struct {
	Indices map[string]catalogIndex `json:"indices"`
}

type catalogIndex struct {
	Column string   `json:"column"`
	UUIDs  []string `json:"uuids"`
}

// loadCatalog reopens all indices recorded by a previous engine instance.
// A missing catalog means a fresh dataset.
func (e *Engine) loadCatalog(ctx context.Context) error {
	blob, err := e.blobs.Open(ctx, catalogPath)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer blob.Close()

	data, err := blobstore.ReadAll(ctx, blob)
	if err != nil {
		return err
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("quiver: corrupt index catalog: %w", err)
	}

	for name, ci := range file.Indices {
		gens := make([]*searcher.Generation, 0, len(ci.UUIDs))
		for _, uuid := range ci.UUIDs {
			g, err := e.openGeneration(ctx, uuid)
			if err != nil {
				for _, opened := range gens {
					opened.Reader().Close()
				}
				return fmt.Errorf("quiver: reopening index %q generation %s: %w", name, uuid, err)
			}
			gens = append(gens, g)
		}
		e.indices[name] = &indexEntry{column: ci.Column, gens: gens}
	}
	return nil
}

// saveCatalogLocked persists the current catalog. Callers hold e.mu.
func (e *Engine) saveCatalogLocked(ctx context.Context) error {
	file := catalogFile{Indices: make(map[string]catalogIndex, len(e.indices))}
	for name, entry := range e.indices {
		file.Indices[name] = catalogIndex{Column: entry.column, UUIDs: entry.uuids()}
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}
	return e.blobs.Put(ctx, catalogPath, data)
}

// IndexInfo is one row of ListIndices.
type IndexInfo struct {
	Name      string   `json:"name"`
	UUID      string   `json:"uuid"`
	Type      string   `json:"type"`
	Column    string   `json:"column"`
	Fragments []uint64 `json:"fragment_ids"`
	// Deltas is the number of unmerged delta generations behind the
	// primary.
	Deltas int `json:"deltas,omitempty"`
}

// ListIndices returns the catalog sorted by index name. UUID and Type come
// from the primary generation; Fragments is the union over all generations.
func (e *Engine) ListIndices() []IndexInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]IndexInfo, 0, len(e.indices))
	for name, entry := range e.indices {
		meta := entry.primary().Metadata()

		covered := entry.coveredFragments()
		frags := make([]uint64, 0, len(covered))
		for f := range covered {
			frags = append(frags, f)
		}
		sort.Slice(frags, func(i, j int) bool { return frags[i] < frags[j] })

		out = append(out, IndexInfo{
			Name:      name,
			UUID:      meta.UUID,
			Type:      meta.Type.String(),
			Column:    entry.column,
			Fragments: frags,
			Deltas:    len(entry.gens) - 1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
