package bulk

import "strings"

// Candidate is one item the bulk operation may queue.
type Candidate struct {
	Key           string
	ItemID        string
	ReferenceOnly bool
}

// candidateKey normalizes an item id for deduplication. Only surrounding
// space is dropped: item ids are case-sensitive keys in storage, so "abc"
// and "ABC" are two items.
func candidateKey(id string) string {
	return strings.TrimSpace(id)
}

// BuildCandidates merges the two populations. Instance ids come first in
// their given order, followed by catalog ids no instance references. When
// both populations hold the same key the instance entry wins.
func BuildCandidates(instanceIDs, referenceIDs []string) []Candidate {
	seen := make(map[string]bool, len(instanceIDs)+len(referenceIDs))
	out := make([]Candidate, 0, len(instanceIDs)+len(referenceIDs))
	add := func(id string, referenceOnly bool) {
		key := candidateKey(id)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{Key: key, ItemID: strings.TrimSpace(id), ReferenceOnly: referenceOnly})
	}
	for _, id := range instanceIDs {
		add(id, false)
	}
	for _, id := range referenceIDs {
		add(id, true)
	}
	return out
}
