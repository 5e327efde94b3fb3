package casstore

// Abandon releases the catalog but leaves the active pack unfinalized, the
// state a process killed mid-session leaves on disk.
func Abandon(st Store) error {
	s := st.(*store)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.catalog.Close()
}
