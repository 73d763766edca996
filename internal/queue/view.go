package queue

import "sort"

// MergeView reconciles a freshly polled job list with the previous view a
// UI or API client held. The database is authoritative for persistent jobs,
// but the merge protects what it cannot know:
//
//  1. Ephemeral jobs only the previous view knows about survive the merge.
//  2. A pending job's started_at never moves forward: once a view showed a
//     start time, a later poll racing a retry cannot push it later.
//  3. Rich fields already shown (logs pointer, output info, error) are kept
//     when the fresh row has them empty.
func MergeView(previous, fresh []*Job) []*Job {
	prevByID := make(map[string]*Job, len(previous))
	for _, j := range previous {
		prevByID[j.ID] = j
	}
	seen := make(map[string]bool, len(fresh))

	merged := make([]*Job, 0, len(fresh))
	for _, f := range fresh {
		seen[f.ID] = true
		p, ok := prevByID[f.ID]
		if !ok {
			merged = append(merged, f)
			continue
		}
		merged = append(merged, mergeJob(p, f))
	}
	for _, p := range previous {
		if p.Origin == OriginEphemeral && !seen[p.ID] {
			merged = append(merged, p)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority > merged[j].Priority
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}

func mergeJob(prev, fresh *Job) *Job {
	out := *fresh
	if !fresh.Status.Terminal() && prev.StartedAt != nil {
		if fresh.StartedAt == nil || prev.StartedAt.Before(*fresh.StartedAt) {
			out.StartedAt = prev.StartedAt
		}
	}
	if out.LogsPointer == "" {
		out.LogsPointer = prev.LogsPointer
	}
	if out.OutputInfo == "" {
		out.OutputInfo = prev.OutputInfo
	}
	if out.Error == "" {
		out.Error = prev.Error
	}
	return &out
}
