package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Datentypen der Ontologie-Keys.
const (
	TypeNumber      = "number"
	TypeNumber64    = "number64"
	TypeFloat       = "float"
	TypeFloat64     = "float64"
	TypeDate        = "date"
	TypeString      = "string"
	TypeBoolean     = "boolean"
	TypeEnumeration = "enumeration"
	TypeFile        = "file"
	TypeList        = "list"
)

// isoLayout entspricht der ISO-8601-Ausgabe mit Millisekunden in UTC.
const isoLayout = "2006-01-02T15:04:05.000Z"

var (
	leadingInt   = regexp.MustCompile(`^\s*[+-]?\d+`)
	leadingFloat = regexp.MustCompile(`^\s*[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

	// Formate, die ohne conversion_format versucht werden.
	dateLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006",
		time.RFC1123Z,
		time.RFC1123,
	}

	errNullValue = errors.New("unable to convert value, value is null or undefined")
)

// convert wandelt v in den Datentyp eines Keys um. changed ist false, wenn keine
// Umwandlung nötig war und v unverändert übernommen werden soll.
func convert(dataType string, v any, format string) (out any, changed bool, err error) {
	if v == nil || v == "null" {
		return nil, false, errNullValue
	}

	switch dataType {
	case TypeNumber:
		if isNumber(v) {
			return nil, false, nil
		}
		m := leadingInt.FindString(stringify(v))
		if m == "" {
			return nil, false, errors.New("unable to convert value to number")
		}
		n, err := strconv.ParseInt(strings.TrimSpace(m), 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("unable to convert value to number: %w", err)
		}
		return n, true, nil

	case TypeFloat:
		if isNumber(v) {
			return nil, false, nil
		}
		m := leadingFloat.FindString(stringify(v))
		if m == "" {
			return nil, false, errors.New("unable to convert value to float")
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(m), 64)
		if err != nil {
			return nil, false, fmt.Errorf("unable to convert value to float: %w", err)
		}
		return f, true, nil

	case TypeNumber64, TypeFloat64, TypeString, TypeEnumeration, TypeFile:
		if _, ok := v.(string); ok {
			return nil, false, nil
		}
		return stringify(v), true, nil

	case TypeDate:
		t, err := parseDate(v, format)
		if err != nil {
			return nil, false, err
		}
		return t.UTC().Format(isoLayout), true, nil

	case TypeBoolean:
		switch t := v.(type) {
		case bool:
			return nil, false, nil
		case string:
			return strings.Contains(t, "true") || strings.Contains(t, "TRUE") ||
				strings.Contains(t, "True") || strings.Contains(t, "1"), true, nil
		default:
			if f, ok := toFloat(v); ok && isNumber(v) {
				return f == 1, true, nil
			}
			return nil, false, errors.New("unable to convert boolean, must be a boolean, string, or number to attempt conversion")
		}

	case TypeList:
		if _, ok := v.([]any); ok {
			return nil, false, nil
		}
		return []any{v}, true, nil
	}

	return nil, false, nil
}

// parseDate akzeptiert time.Time, Unix-Millisekunden und Zeichenketten.
// format ist ein Go-Referenzlayout (z.B. "02.01.2006").
func parseDate(v any, format string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if format != "" {
			parsed, err := time.Parse(format, t)
			if err != nil {
				return time.Time{}, fmt.Errorf("unable to convert value to date using format string: %w", err)
			}
			return parsed, nil
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to convert value to date: unrecognized format %q", t)
	}

	if isNumber(v) {
		if format != "" {
			return parseDate(stringify(v), format)
		}
		ms, _ := toFloat(v)
		return time.UnixMilli(int64(ms)), nil
	}
	return time.Time{}, errors.New("unable to convert value to date, value is not string or number")
}
