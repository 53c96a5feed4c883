package quota

// Detect evaluates every subscriber in snapshot order and returns the IDs
// whose on-file quota disagrees with the intended quota, in first-seen order.
// A subscriber ID that appears more than once is only evaluated the first time.
//
// The first evaluation error aborts detection; a partial mismatch list would
// understate the count the cutoff is checked against.
func Detect(subs []Subscriber, table BundleTable) ([]string, error) {
	if len(table) == 0 {
		return nil, ErrEmptyBundleTable
	}

	seen := make(map[string]struct{}, len(subs))
	var targets []string
	for _, sub := range subs {
		if _, ok := seen[sub.ID]; ok {
			continue
		}
		seen[sub.ID] = struct{}{}

		ev, err := Evaluate(sub, table)
		if err != nil {
			return nil, err
		}
		if ev.Mismatched() {
			targets = append(targets, sub.ID)
		}
	}
	return targets, nil
}

// Index maps subscriber IDs to their first occurrence in subs.
func Index(subs []Subscriber) map[string]Subscriber {
	idx := make(map[string]Subscriber, len(subs))
	for _, sub := range subs {
		if _, ok := idx[sub.ID]; !ok {
			idx[sub.ID] = sub
		}
	}
	return idx
}
