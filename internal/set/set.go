package set

import "sort"

type StringSet struct {
	items map[string]struct{}
}

func NewStringSet(values ...string) *StringSet {
	set := &StringSet{items: map[string]struct{}{}}
	for _, value := range values {
		set.Put(value)
	}
	return set
}

func (set *StringSet) Has(value string) bool {
	_, ok := set.items[value]
	return ok
}

func (set *StringSet) Put(value string) {
	set.items[value] = struct{}{}
}

func (set *StringSet) Delete(value string) {
	delete(set.items, value)
}

// List returns sorted values.
func (set *StringSet) List() []string {
	slice := make([]string, 0, len(set.items))
	for value := range set.items {
		slice = append(slice, value)
	}
	sort.Strings(slice)
	return slice
}

func (set *StringSet) Len() int {
	return len(set.items)
}
