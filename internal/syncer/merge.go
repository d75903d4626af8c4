package syncer

import (
	"reflect"

	"cronsync/internal/domain"
	"cronsync/internal/events"
)

// Intent answers what the pending queue still holds for a task id.
type Intent interface {
	PendingCreate(id string) bool
	PendingDelete(id string) bool
}

type MergeResult struct {
	Tasks     []domain.Task
	Conflicts []events.Conflict
	// Upload lists local tasks the server has never seen and that no queued
	// Create will deliver.
	Upload []domain.Task
}

// Merge reconciles the local task list against the server's copy. Shared ids
// go to the side with the strictly greater UpdatedAt, the server on a tie.
// Server tasks with a queued local delete are left out; local-only tasks are
// kept. Merge is pure: it performs no I/O and does not mutate its inputs.
func Merge(local, server []domain.Task, intent Intent) MergeResult {
	var res MergeResult

	byID := make(map[string]domain.Task, len(local))
	for _, t := range local {
		byID[t.ID] = t
	}
	onServer := make(map[string]bool, len(server))

	for _, s := range server {
		onServer[s.ID] = true
		l, ok := byID[s.ID]
		if !ok {
			if intent != nil && intent.PendingDelete(s.ID) {
				continue
			}
			adopted := s.Clone()
			adopted.SyncState = domain.SyncSynced
			res.Tasks = append(res.Tasks, adopted)
			continue
		}

		winner, conflict := resolve(l, s)
		res.Tasks = append(res.Tasks, winner)
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}
	}

	for _, l := range local {
		if onServer[l.ID] {
			continue
		}
		res.Tasks = append(res.Tasks, l.Clone())
		if intent == nil || !intent.PendingCreate(l.ID) {
			res.Upload = append(res.Upload, l.Clone())
		}
	}
	return res
}

func resolve(l, s domain.Task) (domain.Task, *events.Conflict) {
	differ := !sameContent(l, s)
	dirty := l.SyncState != "" && l.SyncState != domain.SyncSynced

	if l.UpdatedAt > s.UpdatedAt {
		kept := l.Clone()
		if !differ {
			return kept, nil
		}
		kept.SyncState = domain.SyncConflicted
		if !dirty {
			return kept, nil
		}
		return kept, &events.Conflict{TaskID: l.ID, Winner: events.WinnerLocal, LocalUpdatedAt: l.UpdatedAt, ServerUpdatedAt: s.UpdatedAt}
	}

	adopted := s.Clone()
	adopted.SyncState = domain.SyncSynced
	if differ && dirty {
		return adopted, &events.Conflict{TaskID: s.ID, Winner: events.WinnerServer, LocalUpdatedAt: l.UpdatedAt, ServerUpdatedAt: s.UpdatedAt}
	}
	return adopted, nil
}

// sameContent compares everything except the client-only sync state.
func sameContent(a, b domain.Task) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(t domain.Task) domain.Task {
	t = t.Clone()
	t.SyncState = ""
	t.CreatedAt = t.CreatedAt.UTC()
	if len(t.Endpoint.Headers) == 0 {
		t.Endpoint.Headers = nil
	}
	if len(t.Schedule.DaysOfWeek) == 0 {
		t.Schedule.DaysOfWeek = nil
	}
	if t.Runtime.NextRunAt != nil {
		n := t.Runtime.NextRunAt.UTC()
		t.Runtime.NextRunAt = &n
	}
	if t.Runtime.LastRunAt != nil {
		l := t.Runtime.LastRunAt.UTC()
		t.Runtime.LastRunAt = &l
	}
	return t
}
