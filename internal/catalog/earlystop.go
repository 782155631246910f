package catalog

import "catalog-curator/internal/models"

// earlyStop tracks the longest in-order run of fetched ids that continues
// the persisted head snapshot.
type earlyStop struct {
	head      map[string]int
	threshold int
	run       int
	next      int
}

func newEarlyStop(head []string, threshold int) *earlyStop {
	idx := make(map[string]int, len(head))
	for i, id := range head {
		if _, dup := idx[id]; !dup {
			idx[id] = i
		}
	}
	return &earlyStop{head: idx, threshold: threshold}
}

// observe feeds one window of ids and reports whether the run reached the threshold.
func (s *earlyStop) observe(batch []models.Entry) bool {
	if len(s.head) == 0 || s.threshold <= 0 {
		return false
	}
	for _, e := range batch {
		pos, ok := s.head[e.ID]
		switch {
		case ok && s.run > 0 && pos == s.next:
			s.run++
			s.next++
		case ok:
			s.run = 1
			s.next = pos + 1
		default:
			s.run = 0
		}
		if s.run >= s.threshold {
			return true
		}
	}
	return false
}
