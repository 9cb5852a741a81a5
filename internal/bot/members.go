package bot

import (
	"strings"
	"sync"
)

// registry remembers display names seen per group so "持股 @name" can find a member.
type registry struct {
	mu    sync.RWMutex
	names map[string]map[string]string // group -> user -> name
}

func newRegistry() *registry {
	return &registry{names: make(map[string]map[string]string)}
}

func (r *registry) remember(group, user, name string) {
	if user == "" || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.names[group]
	if !ok {
		g = make(map[string]string)
		r.names[group] = g
	}
	g[user] = name
}

func (r *registry) name(group, user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.names[group][user]
	return n, ok
}

// find matches an exact name (case-insensitive) or user id first, then a
// unique substring of a name.
func (r *registry) find(group, query string) (string, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var partial []string
	for user, name := range r.names[group] {
		lower := strings.ToLower(name)
		if lower == q || user == query {
			return user, true
		}
		if strings.Contains(lower, q) {
			partial = append(partial, user)
		}
	}
	if len(partial) == 1 {
		return partial[0], true
	}
	return "", false
}
