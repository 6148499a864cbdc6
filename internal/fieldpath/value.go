package fieldpath

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// TimeWindow is a daily time range in venue-local time. Windows that cross
// midnight have End earlier than Start.
type TimeWindow struct {
	Start string `json:"start"` // "HH:MM", 24h
	End   string `json:"end"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// ParseWindow coerces a claim value into a TimeWindow. Accepts TimeWindow,
// map[string]any, or JSON-roundtrippable equivalents.
func ParseWindow(value any) (TimeWindow, error) {
	var w TimeWindow
	switch v := value.(type) {
	case TimeWindow:
		w = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return w, fmt.Errorf("window value not serializable: %v", err)
		}
		dec := json.NewDecoder(strings.NewReader(string(b)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			return w, fmt.Errorf("window value must be {start, end}: %v", err)
		}
	}
	if !clockPattern.MatchString(w.Start) {
		return w, fmt.Errorf("window start %q is not HH:MM", w.Start)
	}
	if !clockPattern.MatchString(w.End) {
		return w, fmt.Errorf("window end %q is not HH:MM", w.End)
	}
	return w, nil
}

// minutes returns the window as minute offsets from midnight; windows that
// cross midnight are unwrapped past 1440.
func (w TimeWindow) minutes() (start, end int) {
	start = clockMinutes(w.Start)
	end = clockMinutes(w.End)
	if end <= start {
		end += 24 * 60
	}
	return start, end
}

func clockMinutes(s string) int {
	var h, m int
	fmt.Sscanf(s, "%d:%d", &h, &m)
	return h*60 + m
}

func checkValue(ru rule, value any) error {
	switch ru.kind {
	case KindWindow:
		_, err := ParseWindow(value)
		return err
	case KindPrice:
		n, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("price must be a number, got %T", value)
		}
		if n < 0 {
			return fmt.Errorf("price must be non-negative, got %v", n)
		}
		return nil
	case KindNumber:
		if _, ok := asNumber(value); !ok {
			return fmt.Errorf("expected a number, got %T", value)
		}
		return nil
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected a boolean, got %T", value)
		}
		return nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected one of %v, got %T", ru.tokens, value)
		}
		for _, tok := range ru.tokens {
			if s == tok {
				return nil
			}
		}
		return fmt.Errorf("value %q not in %v", s, ru.tokens)
	case KindText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("text value is empty")
		}
		return nil
	}
	return fmt.Errorf("unhandled kind %s", ru.kind)
}

func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
