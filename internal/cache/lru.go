package cache

// lruList orders entries by recency. It is not safe for concurrent use; the
// Cache holds its mutex around every call.
type lruList struct {
	head *entry // most recently used
	tail *entry // least recently used
}

func (l *lruList) moveToFront(e *entry) {
	if e == l.head {
		return
	}
	l.remove(e)
	l.addToFront(e)
}

func (l *lruList) addToFront(e *entry) {
	e.next = l.head
	e.prev = nil
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *lruList) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// victim picks the entry to evict under capacity pressure: the least
// recently used entry already past its TTL, otherwise the plain LRU tail.
func (l *lruList) victim(expired func(*entry) bool) *entry {
	for e := l.tail; e != nil; e = e.prev {
		if expired(e) {
			return e
		}
	}
	return l.tail
}
