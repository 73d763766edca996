package catalog

import (
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// NormalizePattern prepares a rule glob for matching: lower-cased (matching
// is case-insensitive) and bare names prefixed with **/ so "trades.csv"
// matches at any depth.
func NormalizePattern(pattern string) string {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return p
	}
	if !strings.ContainsAny(p, "/") && !strings.HasPrefix(p, "**") {
		p = "**/" + p
	}
	return p
}

// MatchRule reports whether a rule pattern matches a relative path.
func MatchRule(pattern, relPath string) (bool, error) {
	ok, err := doublestar.Match(NormalizePattern(pattern), strings.ToLower(relPath))
	if err != nil {
		return false, core.Wrap(core.KindPattern, err, "bad glob %q", pattern)
	}
	return ok, nil
}

// FirstMatch evaluates rules (already sorted by descending priority) against
// a relative path and returns the first matching rule, or nil.
func FirstMatch(rules []*store.TaggingRule, relPath string) (*store.TaggingRule, error) {
	for _, r := range rules {
		ok, err := MatchRule(r.Pattern, relPath)
		if err != nil {
			return nil, err
		}
		if ok {
			return r, nil
		}
	}
	return nil, nil
}

// TagResult reports what ApplyRules did for one file.
type TagResult struct {
	FileID     string
	Tag        string
	Pattern    string
	WouldQueue bool // the tag is subscribed, downstream work follows
}

// Tagger evaluates tagging rules against catalog files.
type Tagger struct {
	store *store.Store
}

// NewTagger creates a tagger over the control-plane store.
func NewTagger(st *store.Store) *Tagger {
	return &Tagger{store: st}
}

// ApplyRules tags every untagged match among files, first-match-wins per
// file, and reports which assignments would enqueue downstream work.
func (t *Tagger) ApplyRules(workspaceID string, files []*store.File) ([]TagResult, error) {
	rules, err := t.store.ListRules(workspaceID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var results []TagResult
	for _, f := range files {
		rule, err := FirstMatch(rules, f.RelPath)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			continue
		}
		if err := t.store.AssignTag(f.ID, rule.Tag, rule.Pattern); err != nil {
			return nil, err
		}
		results = append(results, TagResult{
			FileID:     f.ID,
			Tag:        rule.Tag,
			Pattern:    rule.Pattern,
			WouldQueue: rule.Subscribed,
		})
	}
	logging.Catalog("Tagged %d/%d files in workspace %s", len(results), len(files), workspaceID)
	return results, nil
}

// PatternSummary aggregates preview counts for one rule pattern.
type PatternSummary struct {
	Pattern    string
	Tag        string
	Matched    int
	WouldQueue int
	Bytes      int64
}

// Preview is the dry-run report: per-pattern summaries plus the files no
// rule matched. Preview performs no writes.
type Preview struct {
	Patterns []PatternSummary
	Untagged int
}

// PreviewRules evaluates rules against files without assigning anything.
func (t *Tagger) PreviewRules(workspaceID string, files []*store.File) (*Preview, error) {
	rules, err := t.store.ListRules(workspaceID)
	if err != nil {
		return nil, err
	}

	byPattern := make(map[string]*PatternSummary)
	ordered := make([]*PatternSummary, 0, len(rules))
	for _, r := range rules {
		ps := &PatternSummary{Pattern: r.Pattern, Tag: r.Tag}
		byPattern[r.Pattern] = ps
		ordered = append(ordered, ps)
	}

	preview := &Preview{}
	for _, f := range files {
		rule, err := FirstMatch(rules, f.RelPath)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			preview.Untagged++
			continue
		}
		ps := byPattern[rule.Pattern]
		ps.Matched++
		ps.Bytes += f.Size
		if rule.Subscribed {
			ps.WouldQueue++
		}
	}
	for _, ps := range ordered {
		preview.Patterns = append(preview.Patterns, *ps)
	}
	return preview, nil
}

// RulesFile is the YAML shape of a tagging-rules file.
type RulesFile struct {
	Rules []struct {
		Pattern    string `yaml:"pattern"`
		Tag        string `yaml:"tag"`
		Priority   int    `yaml:"priority"`
		Subscribed bool   `yaml:"subscribed"`
	} `yaml:"rules"`
}

// LoadRulesFile reads tagging rules from a YAML file and registers them.
func (t *Tagger) LoadRulesFile(workspaceID, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, core.Wrap(core.KindIO, err, "read rules file %s", path)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, core.Wrap(core.KindSerialization, err, "parse rules file %s", path)
	}
	for _, r := range rf.Rules {
		rule := &store.TaggingRule{
			WorkspaceID: workspaceID,
			Pattern:     r.Pattern,
			Tag:         r.Tag,
			Priority:    r.Priority,
			Subscribed:  r.Subscribed,
		}
		if err := t.store.AddRule(rule); err != nil {
			return 0, err
		}
	}
	return len(rf.Rules), nil
}
