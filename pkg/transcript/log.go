package transcript

import "sync"

// Entry is a turn plus its position in a log. Seq is assigned once when the
// turn is first appended and never changes, so it is a stable identity for
// downstream consumers even while the turn's text is still being merged.
type Entry struct {
	Seq  uint64
	Turn Turn
}

// Log is an append-mostly ordered list of turns. The only mutations are
// appending, editing the trailing turn, and removing the trailing turn;
// sealed history is immutable. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	nextSeq uint64
	entries []Entry
}

func NewLog() *Log {
	return &Log{nextSeq: 1}
}

// Append adds a turn at the tail and returns its entry.
func (l *Log) Append(turn Turn) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(turn)
}

func (l *Log) appendLocked(turn Turn) Entry {
	entry := Entry{Seq: l.nextSeq, Turn: turn}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	return entry
}

// UpdateLast applies fn to the trailing turn. It reports false when the log
// is empty.
func (l *Log) UpdateLast(fn func(*Turn)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return false
	}
	fn(&l.entries[len(l.entries)-1].Turn)
	return true
}

// RemoveLast drops the trailing turn. Its sequence number is not reused.
func (l *Log) RemoveLast() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	last := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return last, true
}

// Last returns the trailing entry without removing it.
func (l *Log) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Turns returns a snapshot copy of all turns in order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Turn
	}
	return out
}

// Entries returns a snapshot copy of all entries in order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Tail returns up to n trailing turns, oldest first.
func (l *Log) Tail(n int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Turn, 0, n)
	for _, e := range l.entries[len(l.entries)-n:] {
		out = append(out, e.Turn)
	}
	return out
}

// Clear empties the log. Sequence numbering continues from where it was, so
// entries from before and after a clear never share an identity.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Restore replaces the contents with previously persisted turns, assigning
// fresh sequence numbers.
func (l *Log) Restore(turns []Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	for _, t := range turns {
		l.appendLocked(t)
	}
}
