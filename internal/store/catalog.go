package store

import (
	"database/sql"
	"time"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
)

// UIDStrength classifies how stable a file UID is.
type UIDStrength string

const (
	UIDStrong UIDStrength = "strong"
	UIDWeak   UIDStrength = "weak"
)

// SourceKind enumerates scan-scope kinds.
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceSMB   SourceKind = "smb"
	SourceS3    SourceKind = "s3"
)

// Workspace is the top-level namespace for all catalog entities.
type Workspace struct {
	ID   string
	Name string
}

// Source is a scan scope inside a workspace.
type Source struct {
	ID           string
	WorkspaceID  string
	Name         string
	Kind         SourceKind
	Root         string
	PollInterval time.Duration
	Enabled      bool
}

// File is a catalog row. Its workspace and file_uid never change once
// written; strong UIDs survive renames keeping the row id and tags.
type File struct {
	ID          string
	WorkspaceID string
	SourceID    string
	AbsPath     string
	RelPath     string
	Size        int64
	MtimeMs     int64
	FileUID     string
	UIDStrength UIDStrength
	Status      string
}

// TaggingRule assigns a tag to files matching a glob pattern. Rules are
// evaluated in descending priority, first match wins.
type TaggingRule struct {
	ID          int64
	WorkspaceID string
	Pattern     string
	Tag         string
	Priority    int
	Subscribed  bool
}

// CreateWorkspace inserts a workspace, returning the existing row when the
// name is already taken.
func (s *Store) CreateWorkspace(name string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ws Workspace
	err := s.db.QueryRow("SELECT id, name FROM workspaces WHERE name = ?", name).Scan(&ws.ID, &ws.Name)
	if err == nil {
		return &ws, nil
	}
	if err != sql.ErrNoRows {
		return nil, core.Wrap(core.KindDatabase, err, "lookup workspace %s", name)
	}

	ws = Workspace{ID: ident.NewID(), Name: name}
	if _, err := s.db.Exec("INSERT INTO workspaces (id, name) VALUES (?, ?)", ws.ID, ws.Name); err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "create workspace %s", name)
	}
	logging.Store("Workspace created: %s (%s)", name, ws.ID)
	return &ws, nil
}

// GetWorkspace returns a workspace by name.
func (s *Store) GetWorkspace(name string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ws Workspace
	err := s.db.QueryRow("SELECT id, name FROM workspaces WHERE name = ?", name).Scan(&ws.ID, &ws.Name)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "workspace %q not found", name)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup workspace %s", name)
	}
	return &ws, nil
}

// AddSource registers a scan scope.
func (s *Store) AddSource(src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.ID == "" {
		src.ID = ident.NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (id, workspace_id, name, kind, root, poll_interval_sec, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.WorkspaceID, src.Name, string(src.Kind), src.Root,
		int(src.PollInterval.Seconds()), boolInt(src.Enabled))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "add source %s", src.Name)
	}
	logging.Catalog("Source added: %s (%s) root=%s", src.Name, src.Kind, src.Root)
	return nil
}

// RemoveSource deletes a source by name. Files discovered through it keep
// their rows; only the scan scope goes away.
func (s *Store) RemoveSource(workspaceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sources WHERE workspace_id = ? AND name = ?", workspaceID, name)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "remove source %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.E(core.KindNotFound, "source %q not found", name)
	}
	return nil
}

// GetSource returns a source by name within a workspace.
func (s *Store) GetSource(workspaceID, name string) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, err := scanSource(s.db.QueryRow(`
		SELECT id, workspace_id, name, kind, root, poll_interval_sec, enabled
		FROM sources WHERE workspace_id = ? AND name = ?`, workspaceID, name))
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "source %q not found", name)
	}
	return src, err
}

// ListSources returns all sources in a workspace.
func (s *Store) ListSources(workspaceID string) ([]*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workspace_id, name, kind, root, poll_interval_sec, enabled
		FROM sources WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list sources")
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(r rowScanner) (*Source, error) {
	var (
		src     Source
		kind    string
		pollSec int
		enabled int
	)
	err := r.Scan(&src.ID, &src.WorkspaceID, &src.Name, &kind, &src.Root, &pollSec, &enabled)
	if err != nil {
		return nil, err
	}
	src.Kind = SourceKind(kind)
	src.PollInterval = time.Duration(pollSec) * time.Second
	src.Enabled = enabled != 0
	return &src, nil
}

// UpsertResult reports what an upsert did.
type UpsertResult string

const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"  // matched by file_uid (rename-safe)
	UpsertReplaced UpsertResult = "replaced" // weak-UID row at the same path
)

// UpsertFile applies the catalog upsert semantics:
//
//  1. A row matching (workspace, file_uid) with strong UID gets its paths,
//     size and mtime updated; id and tags are preserved.
//  2. Else a weak-UID row at the same (workspace, abs_path) is replaced in
//     place, preserving id.
//  3. Else a new row is inserted with status pending.
func (s *Store) UpsertFile(f *File) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID string
	err := s.db.QueryRow(
		"SELECT id FROM files WHERE workspace_id = ? AND file_uid = ?",
		f.WorkspaceID, f.FileUID).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.Exec(`
			UPDATE files SET abs_path = ?, rel_path = ?, size = ?, mtime_ms = ?,
				source_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			f.AbsPath, f.RelPath, f.Size, f.MtimeMs, f.SourceID, existingID)
		if err != nil {
			return "", core.Wrap(core.KindDatabase, err, "update file %s", f.AbsPath)
		}
		f.ID = existingID
		return UpsertUpdated, nil
	case err != sql.ErrNoRows:
		return "", core.Wrap(core.KindDatabase, err, "lookup file uid %s", f.FileUID)
	}

	var weakID string
	err = s.db.QueryRow(`
		SELECT id FROM files
		WHERE workspace_id = ? AND abs_path = ? AND uid_strength = 'weak'`,
		f.WorkspaceID, f.AbsPath).Scan(&weakID)
	switch {
	case err == nil:
		_, err = s.db.Exec(`
			UPDATE files SET rel_path = ?, size = ?, mtime_ms = ?, file_uid = ?,
				uid_strength = ?, source_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			f.RelPath, f.Size, f.MtimeMs, f.FileUID, string(f.UIDStrength), f.SourceID, weakID)
		if err != nil {
			return "", core.Wrap(core.KindDatabase, err, "replace file %s", f.AbsPath)
		}
		f.ID = weakID
		return UpsertReplaced, nil
	case err != sql.ErrNoRows:
		return "", core.Wrap(core.KindDatabase, err, "lookup file path %s", f.AbsPath)
	}

	if f.ID == "" {
		f.ID = ident.NewID()
	}
	f.Status = "pending"
	_, err = s.db.Exec(`
		INSERT INTO files (id, workspace_id, source_id, abs_path, rel_path, size,
			mtime_ms, file_uid, uid_strength, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
		f.ID, f.WorkspaceID, f.SourceID, f.AbsPath, f.RelPath, f.Size,
		f.MtimeMs, f.FileUID, string(f.UIDStrength))
	if err != nil {
		return "", core.Wrap(core.KindDatabase, err, "insert file %s", f.AbsPath)
	}
	return UpsertInserted, nil
}

// GetFile returns a file row by id.
func (s *Store) GetFile(id string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFile("id = ?", id)
}

// GetFileByPath returns a file row by (workspace, abs_path).
func (s *Store) GetFileByPath(workspaceID, absPath string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFile("workspace_id = ? AND abs_path = ?", workspaceID, absPath)
}

func (s *Store) getFile(where string, args ...interface{}) (*File, error) {
	var (
		f        File
		sourceID sql.NullString
		strength string
	)
	err := s.db.QueryRow(`
		SELECT id, workspace_id, source_id, abs_path, rel_path, size, mtime_ms,
			file_uid, uid_strength, status
		FROM files WHERE `+where, args...).Scan(
		&f.ID, &f.WorkspaceID, &sourceID, &f.AbsPath, &f.RelPath, &f.Size,
		&f.MtimeMs, &f.FileUID, &strength, &f.Status)
	if err == sql.ErrNoRows {
		return nil, core.E(core.KindNotFound, "file not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "lookup file")
	}
	f.SourceID = sourceID.String
	f.UIDStrength = UIDStrength(strength)
	return &f, nil
}

// ListFiles returns all files in a workspace ordered by rel_path.
func (s *Store) ListFiles(workspaceID string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workspace_id, source_id, abs_path, rel_path, size, mtime_ms,
			file_uid, uid_strength, status
		FROM files WHERE workspace_id = ? ORDER BY rel_path`, workspaceID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list files")
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		var (
			f        File
			sourceID sql.NullString
			strength string
		)
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &sourceID, &f.AbsPath, &f.RelPath,
			&f.Size, &f.MtimeMs, &f.FileUID, &strength, &f.Status); err != nil {
			return nil, core.Wrap(core.KindDatabase, err, "scan file row")
		}
		f.SourceID = sourceID.String
		f.UIDStrength = UIDStrength(strength)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// AssignTag tags a file. Repeated assignment of the same tag is a no-op.
func (s *Store) AssignTag(fileID, tag, rulePattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO file_tags (file_id, tag, rule_pattern) VALUES (?, ?, ?)
		ON CONFLICT(file_id, tag) DO NOTHING`, fileID, tag, rulePattern)
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "assign tag %s", tag)
	}
	return nil
}

// TagsForFile returns the tags assigned to a file.
func (s *Store) TagsForFile(fileID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT tag FROM file_tags WHERE file_id = ? ORDER BY tag", fileID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "tags for file")
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// FilesByTag returns file ids carrying a tag within a workspace, sorted.
func (s *Store) FilesByTag(workspaceID, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT f.id FROM files f JOIN file_tags t ON t.file_id = f.id
		WHERE f.workspace_id = ? AND t.tag = ? ORDER BY f.id`, workspaceID, tag)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "files by tag %s", tag)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddRule registers a tagging rule.
func (s *Store) AddRule(r *TaggingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO tagging_rules (workspace_id, pattern, tag, priority, subscribed)
		VALUES (?, ?, ?, ?, ?)`,
		r.WorkspaceID, r.Pattern, r.Tag, r.Priority, boolInt(r.Subscribed))
	if err != nil {
		return core.Wrap(core.KindDatabase, err, "add rule %s", r.Pattern)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListRules returns a workspace's tagging rules in descending priority.
// Ties break on insertion order so evaluation is deterministic.
func (s *Store) ListRules(workspaceID string) ([]*TaggingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workspace_id, pattern, tag, priority, subscribed
		FROM tagging_rules WHERE workspace_id = ?
		ORDER BY priority DESC, id ASC`, workspaceID)
	if err != nil {
		return nil, core.Wrap(core.KindDatabase, err, "list rules")
	}
	defer rows.Close()

	var out []*TaggingRule
	for rows.Next() {
		var (
			r          TaggingRule
			subscribed int
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Pattern, &r.Tag, &r.Priority, &subscribed); err != nil {
			return nil, err
		}
		r.Subscribed = subscribed != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
