package engine

// seenKey identifies one provider message. Provider message ids are only
// unique within a chat.
type seenKey struct {
	chatID     int64
	externalID int64
}

// seenSet remembers the most recent keys up to a fixed capacity, evicting the
// oldest first. It is owned by a single worker and is not safe for concurrent
// use. Losing it only costs extra Store lookups.
type seenSet struct {
	keys map[seenKey]struct{}
	ring []seenKey
	next int
	full bool
}

func newSeenSet(capacity int) *seenSet {
	if capacity < 1 {
		capacity = 1
	}
	return &seenSet{
		keys: make(map[seenKey]struct{}, capacity),
		ring: make([]seenKey, capacity),
	}
}

func (s *seenSet) Has(k seenKey) bool {
	_, ok := s.keys[k]
	return ok
}

func (s *seenSet) Add(k seenKey) {
	if s.Has(k) {
		return
	}
	if s.full {
		delete(s.keys, s.ring[s.next])
	}
	s.ring[s.next] = k
	s.keys[k] = struct{}{}
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
}

func (s *seenSet) Len() int { return len(s.keys) }
