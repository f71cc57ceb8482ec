package transform

import (
	"strings"

	"graphloom/models"
)

// Operatoren für Bedingungen.
const (
	OpEqual       = "=="
	OpNotEqual    = "!="
	OpIn          = "in"
	OpContains    = "contains"
	OpExists      = "exists"
	OpGreater     = ">"
	OpGreaterOrEq = ">="
	OpLess        = "<"
	OpLessOrEq    = "<="
)

// Matches wertet eine Bedingungsliste aus. Die Liste ist eine ODER-Verknüpfung,
// eine leere Liste trifft immer zu.
func Matches(conditions []models.Condition, payload any, index []int) bool {
	if len(conditions) == 0 {
		return true
	}
	for _, c := range conditions {
		if evaluate(c, payload, index) {
			return true
		}
	}
	return false
}

// evaluate prüft das Blatt und verkettet die Unterausdrücke von links nach rechts.
// OR wird nur ausgewertet, solange das Ergebnis false ist, AND nur solange es true ist.
func evaluate(c models.Condition, payload any, index []int) bool {
	value, present := Lookup(payload, c.Key, index)
	result := present && value != nil && compare(c.Operator, value, c.Value)

	for _, sub := range c.Subexpressions {
		switch strings.ToUpper(strings.TrimSpace(sub.Expression)) {
		case "OR":
			if !result {
				result = evaluate(sub, payload, index)
			}
		case "AND":
			if result {
				result = evaluate(sub, payload, index)
			}
		}
	}
	return result
}

func compare(operator string, value, expected any) bool {
	switch strings.TrimSpace(operator) {
	case OpEqual:
		return looseEqual(value, expected)
	case OpNotEqual:
		return !looseEqual(value, expected)
	case OpIn:
		return in(value, expected)
	case OpContains:
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if looseEqual(item, expected) {
					return true
				}
			}
			return false
		}
		return strings.Contains(stringify(value), stringify(expected))
	case OpExists:
		return true
	case OpGreater, OpGreaterOrEq, OpLess, OpLessOrEq:
		return ordered(operator, value, expected)
	default:
		return false
	}
}

func in(value, expected any) bool {
	var candidates []any
	switch t := expected.(type) {
	case []any:
		candidates = t
	case string:
		for _, part := range strings.Split(t, ",") {
			candidates = append(candidates, strings.TrimSpace(part))
		}
	default:
		candidates = []any{t}
	}
	for _, c := range candidates {
		if looseEqual(value, c) {
			return true
		}
	}
	return false
}

func ordered(operator string, value, expected any) bool {
	a, okA := toFloat(value)
	b, okB := toFloat(expected)
	var cmp int
	if okA && okB {
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(stringify(value), stringify(expected))
	}

	switch operator {
	case OpGreater:
		return cmp > 0
	case OpGreaterOrEq:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	default:
		return cmp <= 0
	}
}
