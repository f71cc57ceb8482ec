// Package shapehash berechnet einen strukturellen Fingerabdruck beliebiger JSON-Payloads.
package shapehash

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Options steuert, welche Teile der Payload in den Hash eingehen.
//
// StopNodes sind Key-Namen, die auf jeder Ebene vollständig entfernt werden.
// ValueNodes sind Punkt-Pfade (z.B. "items.0.kind"), deren Wert statt ihres Typs zählt.
type Options struct {
	StopNodes  []string
	ValueNodes []string
}

const (
	emptyObject = "EMPTY_OBJECT"
	emptyArray  = "EMPTY_ARRAY"
)

// Hash liefert base64(SHA-256) der kanonischen Strukturbeschreibung von payload.
func Hash(payload any, opts Options) (string, error) {
	canonical, err := Canonical(payload, opts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// HashJSON dekodiert raw (Zahlen bleiben json.Number) und hasht das Ergebnis.
func HashJSON(raw []byte, opts Options) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("payload is not valid json: %w", err)
	}
	return Hash(v, opts)
}

// Canonical liefert die Zeichenkette, die gehasht wird. Exportiert für Diagnosezwecke.
func Canonical(payload any, opts Options) (string, error) {
	w := walker{
		stop:   make(map[string]struct{}, len(opts.StopNodes)),
		values: make(map[string]struct{}, len(opts.ValueNodes)),
	}
	for _, s := range opts.StopNodes {
		w.stop[s] = struct{}{}
	}
	for _, v := range opts.ValueNodes {
		w.values[v] = struct{}{}
	}
	return w.encode(payload, nil)
}

type walker struct {
	stop   map[string]struct{}
	values map[string]struct{}
}

func (w walker) encode(v any, path []string) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return emptyObject, nil
		}
		body, err := w.object(t, path)
		if err != nil {
			return "", err
		}
		return "object(" + body + ")", nil
	case []any:
		if len(t) == 0 {
			return emptyArray, nil
		}
		body, err := w.array(t, path)
		if err != nil {
			return "", err
		}
		return "array(" + body + ")", nil
	default:
		return scalarType(v)
	}
}

// object kodiert die Einträge sortiert als key:typ bzw. key:wert für Value-Nodes.
func (w walker) object(m map[string]any, path []string) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if _, stop := w.stop[k]; stop {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		child := append(path[:len(path):len(path)], k)
		enc, err := w.member(m[k], child)
		if err != nil {
			return "", err
		}
		entries[k+":"+enc] = struct{}{}
	}
	return joinSorted(entries), nil
}

// array faltet alle Elemente auf die Menge ihrer Strukturen; gleiche Elemente fallen zusammen.
func (w walker) array(items []any, path []string) (string, error) {
	entries := make(map[string]struct{}, len(items))
	for i, item := range items {
		child := append(path[:len(path):len(path)], strconv.Itoa(i))
		enc, err := w.member(item, child)
		if err != nil {
			return "", err
		}
		entries[enc] = struct{}{}
	}
	return joinSorted(entries), nil
}

// member kodiert Werte von Value-Nodes mit "=" davor, damit sie nicht mit
// Typnamen wie null oder EMPTY_OBJECT zusammenfallen.
func (w walker) member(v any, path []string) (string, error) {
	if _, ok := w.values[strings.Join(path, ".")]; ok {
		if s, isScalar := scalarValue(v); isScalar {
			return "=" + s, nil
		}
	}
	return w.encode(v, path)
}

func joinSorted(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func scalarType(v any) (string, error) {
	switch v.(type) {
	case nil:
		return "null", nil
	case bool:
		return "bool", nil
	case string:
		return "string", nil
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number", nil
	default:
		return "", fmt.Errorf("unsupported payload value of type %T", v)
	}
}

func scalarValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "null", true
	case bool:
		return strconv.FormatBool(t), true
	case string:
		return strconv.Quote(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(t), true
	default:
		return "", false
	}
}
