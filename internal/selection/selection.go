// Package selection evaluates file filters into deterministic, immutable
// snapshots and ties pipeline runs to them. A run never sees "whatever is in
// the directory now": it sees the exact file versions its snapshot captured.
package selection

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// Filters narrows the catalog down to the files a spec selects. All
// populated fields must match (AND); values within a field alternate (OR).
type Filters struct {
	SourceIDs  []string `json:"source_ids,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	SinceMS    int64    `json:"since_ms,omitempty"`
}

// Spec is a deserialized selection spec.
type Spec struct {
	ID             string
	WorkspaceID    string
	Filters        Filters
	WatermarkField string
}

// Snapshot is a deserialized selection snapshot plus the portable flag
// derived from the uid strength of its members.
type Snapshot struct {
	ID             string
	SpecID         string
	FileIDs        []string
	Hash           string
	LogicalDate    string
	WatermarkValue string
	Portable       bool
	Reused         bool
}

// Selector evaluates specs against the catalog.
type Selector struct {
	store *store.Store
}

// New creates a selector.
func New(st *store.Store) *Selector {
	return &Selector{store: st}
}

// CreateSpec persists a selection spec.
func (sel *Selector) CreateSpec(workspaceID string, f Filters, watermarkField string) (*Spec, error) {
	filtersJSON, err := json.Marshal(f)
	if err != nil {
		return nil, core.Wrap(core.KindSerialization, err, "marshal filters")
	}
	spec := &Spec{
		ID:             ident.NewID(),
		WorkspaceID:    workspaceID,
		Filters:        f,
		WatermarkField: watermarkField,
	}
	err = sel.store.InsertSpec(&store.SpecRow{
		ID:             spec.ID,
		WorkspaceID:    workspaceID,
		FiltersJSON:    string(filtersJSON),
		WatermarkField: watermarkField,
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// Evaluate applies the spec's filters to the current catalog and returns
// the matching files sorted by file_uid. The ordering is the determinism
// guarantee behind the snapshot hash.
func (sel *Selector) Evaluate(spec *Spec) ([]*store.File, error) {
	files, err := sel.store.ListFiles(spec.WorkspaceID)
	if err != nil {
		return nil, err
	}

	var tagged map[string]bool
	if len(spec.Filters.Tags) > 0 {
		tagged = make(map[string]bool)
		for _, tag := range spec.Filters.Tags {
			ids, err := sel.store.FilesByTag(spec.WorkspaceID, tag)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				tagged[id] = true
			}
		}
	}

	var out []*store.File
	for _, f := range files {
		if !matchSources(spec.Filters.SourceIDs, f.SourceID) {
			continue
		}
		if tagged != nil && !tagged[f.ID] {
			continue
		}
		if !matchExtensions(spec.Filters.Extensions, f.RelPath) {
			continue
		}
		if spec.Filters.SinceMS > 0 && f.MtimeMs < spec.Filters.SinceMS {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileUID < out[j].FileUID })
	return out, nil
}

func matchSources(sourceIDs []string, sourceID string) bool {
	if len(sourceIDs) == 0 {
		return true
	}
	for _, id := range sourceIDs {
		if id == sourceID {
			return true
		}
	}
	return false
}

func matchExtensions(exts []string, relPath string) bool {
	if len(exts) == 0 {
		return true
	}
	got := strings.ToLower(strings.TrimPrefix(filepath.Ext(relPath), "."))
	for _, e := range exts {
		if strings.ToLower(strings.TrimPrefix(e, ".")) == got {
			return true
		}
	}
	return false
}

// HashFiles computes the snapshot hash: a digest over the sorted file uids.
// Two evaluations selecting the same file versions hash identically no
// matter when or where they ran.
func HashFiles(files []*store.File) string {
	uids := make([]string, len(files))
	for i, f := range files {
		uids[i] = f.FileUID
	}
	sort.Strings(uids)
	return ident.Fingerprint(uids...)
}

// Snapshot evaluates the spec for a logical date, or returns the existing
// snapshot unchanged if one was already taken for that date. Snapshots are
// immutable: re-running a date never re-evaluates.
func (sel *Selector) Snapshot(spec *Spec, logicalDate string) (*Snapshot, error) {
	if existing, err := sel.store.GetSnapshotForDate(spec.ID, logicalDate); err == nil {
		return fromRow(existing, true), nil
	} else if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}

	files, err := sel.Evaluate(spec)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(files))
	portable := true
	var maxMtime int64
	for i, f := range files {
		ids[i] = f.ID
		if f.UIDStrength != store.UIDStrong {
			portable = false
		}
		if f.MtimeMs > maxMtime {
			maxMtime = f.MtimeMs
		}
	}
	var watermark string
	if spec.WatermarkField != "" && len(files) > 0 {
		watermark = strconv.FormatInt(maxMtime, 10)
	}

	row := &store.SnapshotRow{
		ID:             ident.NewID(),
		SpecID:         spec.ID,
		FileIDs:        ids,
		SnapshotHash:   HashFiles(files),
		LogicalDate:    logicalDate,
		WatermarkValue: watermark,
		Portable:       portable,
	}
	if err := sel.store.InsertSnapshot(row); err != nil {
		return nil, err
	}
	logging.Catalog("Snapshot %s for %s: %d files, portable=%v",
		row.SnapshotHash[:12], logicalDate, len(ids), portable)
	return fromRow(row, false), nil
}

func fromRow(row *store.SnapshotRow, reused bool) *Snapshot {
	return &Snapshot{
		ID:             row.ID,
		SpecID:         row.SpecID,
		FileIDs:        row.FileIDs,
		Hash:           row.SnapshotHash,
		LogicalDate:    row.LogicalDate,
		WatermarkValue: row.WatermarkValue,
		Portable:       row.Portable,
		Reused:         reused,
	}
}

// CreatePipeline persists a named parser configuration.
func (sel *Selector) CreatePipeline(name string, version int, config string) (*store.Pipeline, error) {
	p := &store.Pipeline{ID: ident.NewID(), Name: name, Version: version, Config: config}
	if err := sel.store.InsertPipeline(p); err != nil {
		return nil, err
	}
	return p, nil
}

// StartRun creates a queued run bound to an existing snapshot hash.
func (sel *Selector) StartRun(pipelineID, snapshotHash, logicalDate string) (*store.PipelineRun, error) {
	r := &store.PipelineRun{
		ID:                    ident.NewID(),
		PipelineID:            pipelineID,
		SelectionSnapshotHash: snapshotHash,
		LogicalDate:           logicalDate,
		Status:                store.RunQueued,
	}
	if err := sel.store.InsertRun(r); err != nil {
		return nil, err
	}
	return r, nil
}
