package transform

import (
	"strconv"
	"strings"
)

// ArrayMarker markiert im Pfad die Stelle, an der der aktuelle root_array-Index eingesetzt wird.
const ArrayMarker = "[]"

// Lookup liest den Wert unter einem Punkt-Pfad aus payload.
//
// Trifft der Pfad auf ein Array, wird ein numerisches Segment als Index verwendet;
// jedes andere Segment (typischerweise "[]") verbraucht den nächsten Wert aus index.
// Der zweite Rückgabewert ist false, wenn der Pfad nicht existiert.
func Lookup(payload any, path string, index []int) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := payload
	idx := index
	for _, seg := range strings.Split(path, ".") {
		switch t := current.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				if len(idx) == 0 {
					return nil, false
				}
				i, idx = idx[0], idx[1:]
			}
			if i < 0 || i >= len(t) {
				return nil, false
			}
			current = t[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// rootLevels zerlegt einen root_array-Ausdruck wie "items.[].parts" in die Pfade
// der einzelnen Verschachtelungsebenen: ["items", "items.[].parts"].
func rootLevels(rootArray string) []string {
	s := strings.TrimSpace(rootArray)
	s = strings.TrimSuffix(s, ArrayMarker)
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ArrayMarker)
	levels := make([]string, 0, len(parts))
	for i := range parts {
		p := strings.Join(parts[:i+1], ArrayMarker)
		levels = append(levels, strings.Trim(p, "."))
	}
	return levels
}
