package session

import "sort"

// Merge reconciles the local item set with a snapshot from another context.
// It is pure: inputs are not modified.
//
// Items present on both sides keep the version with the greater
// LastWriteTimestamp. Equal timestamps keep the local version. A present
// timestamp always beats a missing one; when both are missing the incoming
// version wins. Remote-only items are adopted clean and without transient
// state; local-only items are kept unchanged. The result is ordered newest
// first and truncated to maxItems. If the result would be empty, the local
// set is returned instead.
func Merge(local, remote []Item, maxItems int) []Item {
	byID := make(map[string]Item, len(local)+len(remote))
	for _, it := range local {
		byID[it.ID] = it.Clone()
	}

	for _, in := range remote {
		if in.ID == "" {
			continue
		}
		incoming := in.Clone().Strip()
		existing, ok := byID[in.ID]
		if !ok {
			incoming.IsDirty = false
			byID[in.ID] = incoming
			continue
		}
		if remoteWins(existing, incoming) {
			// Capability health is local to this context; carry it over
			// while the binding is unchanged.
			if incoming.CapabilityID == existing.CapabilityID {
				incoming.Status = existing.Status
				incoming.HasWritePermission = existing.HasWritePermission
			}
			byID[in.ID] = incoming
		}
	}

	merged := make([]Item, 0, len(byID))
	for _, it := range byID {
		merged = append(merged, it)
	}
	SortNewestFirst(merged)

	if maxItems > 0 && len(merged) > maxItems {
		merged = merged[:maxItems]
	}
	if len(merged) == 0 {
		return cloneItems(local)
	}
	return merged
}

func remoteWins(local, remote Item) bool {
	switch {
	case local.LastWriteTimestamp == nil && remote.LastWriteTimestamp == nil:
		return true
	case remote.LastWriteTimestamp == nil:
		return false
	case local.LastWriteTimestamp == nil:
		return true
	default:
		return *remote.LastWriteTimestamp > *local.LastWriteTimestamp
	}
}

// SortNewestFirst orders items by LastWriteTimestamp descending. Missing
// timestamps sort last; ties break on id so the order is total.
func SortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.LastWriteTimestamp == nil && b.LastWriteTimestamp != nil:
			return false
		case a.LastWriteTimestamp != nil && b.LastWriteTimestamp == nil:
			return true
		}
		if va, vb := Value(a.LastWriteTimestamp), Value(b.LastWriteTimestamp); va != vb {
			return va > vb
		}
		return a.ID < b.ID
	})
}
