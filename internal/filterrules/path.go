package filterrules

import "strings"

// getField walks a dotted path (e.g. "metadata.api_key") into doc and
// returns the leaf value, if present.
func getField(doc map[string]interface{}, dotted string) (interface{}, bool) {
	segs := strings.Split(dotted, ".")
	cur := interface{}(doc)
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setField walks a dotted path into doc, creating intermediate maps as
// needed, and sets the leaf to val.
func setField(doc map[string]interface{}, dotted string, val interface{}) bool {
	if dotted == "" {
		return false
	}
	segs := strings.Split(dotted, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = val
	return true
}

// deleteField walks a dotted path into doc and removes the leaf key, if
// present.
func deleteField(doc map[string]interface{}, dotted string) bool {
	segs := strings.Split(dotted, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return false
		}
		cur = next
	}
	leaf := segs[len(segs)-1]
	if _, ok := cur[leaf]; !ok {
		return false
	}
	delete(cur, leaf)
	return true
}
