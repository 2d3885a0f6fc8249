package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed "minute hour day-of-month month day-of-week"
// expression. Fields accept *, lists, ranges and steps ("*/15", "1-5",
// "0,30"). Day-of-week 7 is Sunday, like 0.
type Schedule struct {
	minute, hour, dom, month, dow field
}

type field struct {
	any    bool
	values map[int]bool
}

func (f field) matches(v int) bool { return f.any || f.values[v] }

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 7}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var fields [5]field
	for i, p := range parts {
		f, err := parseField(p, bounds[i][0], bounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		fields[i] = f
	}
	if fields[4].values[7] {
		fields[4].values[0] = true
	}
	return Schedule{minute: fields[0], hour: fields[1], dom: fields[2], month: fields[3], dow: fields[4]}, nil
}

func parseField(s string, lo, hi int) (field, error) {
	if s == "*" {
		return field{any: true}, nil
	}
	f := field{values: make(map[int]bool)}
	for _, item := range strings.Split(s, ",") {
		step := 1
		if base, stepStr, ok := strings.Cut(item, "/"); ok {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return field{}, fmt.Errorf("invalid step %q", stepStr)
			}
			step = n
			item = base
		}

		from, to := lo, hi
		switch {
		case item == "*":
		case strings.Contains(item, "-"):
			a, b, _ := strings.Cut(item, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return field{}, fmt.Errorf("invalid value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return field{}, fmt.Errorf("invalid value %q", b)
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil {
				return field{}, fmt.Errorf("invalid value %q", item)
			}
			from, to = v, v
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return field{}, fmt.Errorf("value %s out of range [%d, %d]", item, lo, hi)
		}
		for v := from; v <= to; v += step {
			f.values[v] = true
		}
	}
	return f, nil
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}

// Next returns the first minute strictly after t that matches, searching
// up to a year ahead.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}
