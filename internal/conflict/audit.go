package conflict

import "sync"

// auditLog is a bounded ring of entries; the oldest entry is dropped once
// capacity is reached.
type auditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &auditLog{entries: make([]AuditEntry, capacity)}
}

func (l *auditLog) append(e AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns entries oldest first.
func (l *auditLog) snapshot() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full {
		return append([]AuditEntry(nil), l.entries[:l.next]...)
	}
	out := make([]AuditEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// keyLocks serializes work per key without a global lock.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock blocks until key is free and returns the unlock function.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
