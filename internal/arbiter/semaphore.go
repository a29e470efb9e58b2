package arbiter

// semTable tracks named counting semaphores, per spec.md §3's semaphore
// data model: a signed count plus a FIFO of blocked waiters. A negative
// count is never observed by callers; instead, posts past zero drain the
// waiter queue one at a time.
type semTable struct {
	counts  map[string]int
	waiters map[string][]int32 // pids blocked in WAIT_SEM, FIFO order
}

func newSemTable() *semTable {
	return &semTable{
		counts:  make(map[string]int),
		waiters: make(map[string][]int32),
	}
}

// wait reports true if the semaphore already had a positive count, which
// it decrements (the caller may proceed immediately), or false if the
// caller was queued as a waiter.
func (s *semTable) wait(name string, pid int32) (ready bool) {
	if s.counts[name] > 0 {
		s.counts[name]--
		return true
	}
	s.waiters[name] = append(s.waiters[name], pid)
	return false
}

// post increments name's count, or wakes the oldest waiter if one is
// queued. It returns the pid to notify and true if a waiter was woken
// directly (the caller should send POST_SEM only to that pid); otherwise
// it returns (0, false) and the count was simply incremented.
func (s *semTable) post(name string) (woken int32, ok bool) {
	if q := s.waiters[name]; len(q) > 0 {
		woken = q[0]
		s.waiters[name] = q[1:]
		return woken, true
	}
	s.counts[name]++
	return 0, false
}
