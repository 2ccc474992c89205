package auth

// RefreshWaiters returns how many callers are waiting on the running
// refresh.
func (m *SessionManager) RefreshWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flight == nil {
		return 0
	}
	return int(m.flight.waiters.Load())
}
