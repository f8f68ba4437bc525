package snapshot

import (
	"strconv"
)

// schemaVariant identifies which user layout a clearinghouse block carries.
// The variant is resolved once per block, not probed per user.
type schemaVariant int

const (
	schemaNone schemaVariant = iota
	// schemaUserStates is the current layout: user_states.user_to_state,
	// either a map or a list of [address, state] pairs.
	schemaUserStates
	// schemaBooks is the legacy layout: a books list of [address, state] pairs.
	schemaBooks
)

func (v schemaVariant) String() string {
	switch v {
	case schemaUserStates:
		return "user_states"
	case schemaBooks:
		return "books"
	default:
		return "none"
	}
}

type userEntry struct {
	address string
	state   map[string]any
}

// userEntries resolves the user layout of one clearinghouse block and flattens
// it into (address, state) entries. Entries with a non-string address or
// non-map state are dropped here.
func userEntries(ch map[string]any) (schemaVariant, []userEntry) {
	if us := asMap(ch["user_states"]); us != nil {
		uts, ok := us["user_to_state"]
		if !ok {
			return schemaNone, nil
		}
		if m := asMap(uts); m != nil {
			entries := make([]userEntry, 0, len(m))
			for addr, stateAny := range m {
				if state := asMap(stateAny); state != nil {
					entries = append(entries, userEntry{address: addr, state: state})
				}
			}
			return schemaUserStates, entries
		}
		if pairs := asSlice(uts); pairs != nil {
			return schemaUserStates, pairEntries(pairs)
		}
		return schemaNone, nil
	}

	if books := asSlice(ch["books"]); books != nil {
		return schemaBooks, pairEntries(books)
	}

	return schemaNone, nil
}

func pairEntries(pairs []any) []userEntry {
	entries := make([]userEntry, 0, len(pairs))
	for _, pairAny := range pairs {
		pair := asSlice(pairAny)
		if len(pair) < 2 {
			continue
		}
		addr := asString(pair[0])
		state := asMap(pair[1])
		if addr == "" || state == nil {
			continue
		}
		entries = append(entries, userEntry{address: addr, state: state})
	}
	return entries
}

// Coercion helpers for msgpack-decoded values. The decoder produces
// map[string]any for string-keyed maps and map[any]any otherwise, numbers in
// whichever integer or float width fits, and sometimes numeric strings.

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return nil
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
