package forms

import (
	"reflect"
	"sort"
)

// Merge folds a remote snapshot of a form into the local copy.
//
// Policy:
//   - per field, the side with the later modification time wins; equal
//     times resolve to the remote value;
//   - keys present on only one side are kept, so unknown keys from newer
//     template revisions are never dropped;
//   - structured values merge recursively: keys the winner lacks are
//     carried over from the loser;
//   - a completed local form is terminal and is returned unchanged;
//   - the template with the higher semantic revision is adopted.
//
// Merge is idempotent: merging the same remote snapshot again yields the
// same form. A conflict is reported each time a local edit is overwritten.
func Merge(local, remote Form) (Form, []MergeConflict) {
	if local.Status == StatusCompleted {
		return local.Clone(), nil
	}
	merged := local.Clone()
	if remote.Template.NewerThan(local.Template) {
		merged.Template = remote.Template.clone()
	}
	if remote.Status == StatusCompleted {
		merged.Status = StatusCompleted
	}

	keys := make([]string, 0, len(remote.Values))
	for key := range remote.Values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var conflicts []MergeConflict
	for _, key := range keys {
		remoteValue := remote.Values[key]
		remoteAt := remote.Modified[key]
		localValue, exists := merged.Values[key]
		if !exists {
			merged.Values[key] = cloneValue(remoteValue)
			if !remoteAt.IsZero() {
				merged.Modified[key] = remoteAt
			}
			continue
		}
		localAt := merged.Modified[key]
		if localAt.After(remoteAt) {
			merged.Values[key] = mergeValue(localValue, remoteValue)
			continue
		}
		next := mergeValue(remoteValue, localValue)
		if !reflect.DeepEqual(next, localValue) && !localAt.IsZero() {
			conflicts = append(conflicts, MergeConflict{
				FormID:         local.ID,
				Key:            key,
				LocalModified:  localAt,
				RemoteModified: remoteAt,
			})
		}
		merged.Values[key] = next
		if !remoteAt.IsZero() {
			merged.Modified[key] = remoteAt
		}
	}

	// Sequence stays local: it orders this instance's writes only.
	if remote.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	}
	return merged, conflicts
}

// Overlay applies a locally edited working copy onto the registry entry
// base. Per field, the working copy wins when its modification time is not
// older than base's, and its value replaces base's whole: removing a sub-key
// or clearing a map sticks. Fields the working copy does not hold, or holds
// with an older time, keep base's value. Status and Sequence come from base.
func Overlay(base, working Form) Form {
	merged := base.Clone()
	if working.Template.NewerThan(base.Template) {
		merged.Template = working.Template.clone()
	}
	for key, value := range working.Values {
		workingAt := working.Modified[key]
		if _, exists := merged.Values[key]; exists && merged.Modified[key].After(workingAt) {
			continue
		}
		merged.Values[key] = cloneValue(value)
		if workingAt.IsZero() {
			delete(merged.Modified, key)
		} else {
			merged.Modified[key] = workingAt
		}
	}
	if working.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = working.UpdatedAt
	}
	return merged
}

// mergeValue overlays winner onto loser. Only maps on both sides merge;
// anything else resolves to the winner.
func mergeValue(winner, loser any) any {
	winnerMap, ok := winner.(map[string]any)
	if !ok {
		return cloneValue(winner)
	}
	loserMap, ok := loser.(map[string]any)
	if !ok {
		return cloneValue(winner)
	}
	out := make(map[string]any, len(winnerMap)+len(loserMap))
	for key, value := range loserMap {
		out[key] = cloneValue(value)
	}
	for key, value := range winnerMap {
		if existing, ok := out[key]; ok {
			out[key] = mergeValue(value, existing)
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

// MergeRegistry merges every remote form into local. Forms only known
// locally are kept; forms only known remotely are appended in remote order.
func MergeRegistry(local, remote Registry) (Registry, []MergeConflict) {
	next := local
	var conflicts []MergeConflict
	for _, id := range remote.ids {
		remoteForm := remote.forms[id]
		localForm, exists := next.forms[id]
		if !exists {
			next = next.With(remoteForm)
			continue
		}
		merged, formConflicts := Merge(localForm, remoteForm)
		conflicts = append(conflicts, formConflicts...)
		if reflect.DeepEqual(merged, localForm) {
			continue
		}
		next = next.With(merged)
	}
	return next, conflicts
}
