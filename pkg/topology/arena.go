package topology

// arena is a growth-only name registry. A removed entry leaves a tombstone
// behind; its integer is never handed out again, so indices held by
// operations stay unambiguous for the lifetime of the process.
type arena[T any] struct {
	names  []string
	values []T
	live   []bool
	byName map[string]int
}

func newArena[T any]() arena[T] {
	return arena[T]{byName: make(map[string]int)}
}

// add returns the index of name, allocating a fresh slot if the name is not
// currently live. A name that was removed earlier gets a new index.
func (a *arena[T]) add(name string, v T) (int, bool) {
	if i, ok := a.byName[name]; ok {
		return i, false
	}
	i := len(a.names)
	a.names = append(a.names, name)
	a.values = append(a.values, v)
	a.live = append(a.live, true)
	a.byName[name] = i
	return i, true
}

func (a *arena[T]) remove(name string) (int, bool) {
	i, ok := a.byName[name]
	if !ok {
		return 0, false
	}
	delete(a.byName, name)
	a.live[i] = false
	var zero T
	a.values[i] = zero
	return i, true
}

func (a *arena[T]) index(name string) (int, bool) {
	i, ok := a.byName[name]
	return i, ok
}

func (a *arena[T]) name(i int) (string, bool) {
	if i < 0 || i >= len(a.names) || !a.live[i] {
		return "", false
	}
	return a.names[i], true
}

func (a *arena[T]) get(i int) (T, bool) {
	if i < 0 || i >= len(a.values) || !a.live[i] {
		var zero T
		return zero, false
	}
	return a.values[i], true
}

func (a *arena[T]) set(i int, v T) bool {
	if i < 0 || i >= len(a.values) || !a.live[i] {
		return false
	}
	a.values[i] = v
	return true
}

// liveNames returns the names of all live entries in index order.
func (a *arena[T]) liveNames() []string {
	out := make([]string, 0, len(a.byName))
	for i, n := range a.names {
		if a.live[i] {
			out = append(out, n)
		}
	}
	return out
}

func (a *arena[T]) size() int {
	return len(a.byName)
}
