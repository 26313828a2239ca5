package subscription

// sets maps an edge id to its observer tokens. A key is present only while
// its set is non-empty. Not safe for concurrent use.
type sets map[string]map[string]struct{}

// add inserts token and reports whether it created the key.
func (s sets) add(key, token string) (created bool) {
	set, ok := s[key]
	if !ok {
		set = make(map[string]struct{})
		s[key] = set
	}
	set[token] = struct{}{}
	return !ok
}

// remove deletes token. removed is false if it was not present; emptied is
// true if the key went away with it.
func (s sets) remove(key, token string) (removed, emptied bool) {
	set, ok := s[key]
	if !ok {
		return false, false
	}
	if _, ok := set[token]; !ok {
		return false, false
	}
	delete(set, token)
	if len(set) == 0 {
		delete(s, key)
		return true, true
	}
	return true, false
}

func (s sets) has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s sets) contains(key, token string) bool {
	_, ok := s[key][token]
	return ok
}

func (s sets) members(key string) []string {
	set := s[key]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
