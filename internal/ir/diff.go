package ir

// ChangedFields returns the keys whose values differ between before and
// after, in RFC 8785 key order. Keys present on only one side count as changed.
func ChangedFields(before, after Object) []string {
	union := make(Object, len(before)+len(after))
	for k := range before {
		union[k] = Null{}
	}
	for k := range after {
		union[k] = Null{}
	}

	changed := []string{}
	for _, k := range union.SortedKeys() {
		bv, inBefore := before[k]
		av, inAfter := after[k]
		if inBefore != inAfter || !Equal(bv, av) {
			changed = append(changed, k)
		}
	}
	return changed
}
