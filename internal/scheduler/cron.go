// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr represents a parsed schedule. It is either a standard 5-field
// cron expression (minute hour day-of-month month day-of-week), or a fixed
// interval parsed from an `@every` / bare-duration shorthand, in which case
// interval is non-zero and the field slices are unused.
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)

	interval time.Duration
}

// ParseCron parses a schedule expression. In addition to standard 5-field
// cron and the `@hourly`/`@daily`/`@weekly`/`@monthly`/`@yearly` shortcuts,
// it accepts:
//   - `@every <duration>` (e.g. `@every 90s`), a fixed-interval schedule
//     that is not calendar-aligned: its next fire is always last-fire-time
//     plus the interval.
//   - a bare single-unit shorthand (`5m`, `2h`, `1d`), normalized to a
//     calendar-aligned cron expression via intervalToCron — `5m` becomes
//     `*/5 * * * *`, `2h` becomes `0 */2 * * *`, `1d` becomes
//     `0 0 */1 * *`. This exists for authors who write `every: 5m` in a
//     workflow's schedule trigger instead of a cron string. The count
//     must be below 60 for minutes, 24 for hours and 28 for days;
//     compound durations such as `1h30m` are rejected. The schedule is
//     aligned to the clock, not to registration time.
func ParseCron(expr string) (*CronExpr, error) {
	trimmed := strings.TrimSpace(expr)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "@every ") {
		d, err := time.ParseDuration(strings.TrimSpace(trimmed[len("@every "):]))
		if err != nil {
			return nil, fmt.Errorf("invalid @every duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("@every duration must be positive")
		}
		return &CronExpr{interval: d}, nil
	}

	switch lower {
	case "@hourly":
		trimmed = "0 * * * *"
	case "@daily", "@midnight":
		trimmed = "0 0 * * *"
	case "@weekly":
		trimmed = "0 0 * * 0"
	case "@monthly":
		trimmed = "0 0 1 * *"
	case "@yearly", "@annually":
		trimmed = "0 0 1 1 *"
	default:
		if !strings.Contains(trimmed, " ") {
			if cronStr, ok := intervalToCron(trimmed); ok {
				trimmed = cronStr
			}
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{}
	var err error

	c.minute, err = parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	c.dayOfWeek, err = parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}

	return c, nil
}

// intervalToCron translates a bare Go duration shorthand ("5m", "2h", "1d")
// into an equivalent calendar-aligned 5-field cron expression. ok is false
// for anything it doesn't recognize, letting the caller fall through to
// the standard field-count error.
func intervalToCron(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	unit := s[len(s)-1]
	numStr := s[:len(s)-1]
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return "", false
	}

	switch unit {
	case 'm':
		if n >= 60 {
			return "", false
		}
		return fmt.Sprintf("*/%d * * * *", n), true
	case 'h':
		if n >= 24 {
			return "", false
		}
		return fmt.Sprintf("0 */%d * * *", n), true
	case 'd':
		if n >= 28 {
			return "", false
		}
		return fmt.Sprintf("0 0 */%d * *", n), true
	default:
		return "", false
	}
}

// parseField parses a single cron field.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int

	parts := strings.Split(field, ",")
	for _, part := range parts {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	return unique(result), nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int

	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}

	return result, nil
}

// Next returns the next time that matches the expression after from. For
// an @every interval schedule this is simply from plus the interval,
// regardless of calendar alignment.
func (c *CronExpr) Next(from time.Time) time.Time {
	if c.interval > 0 {
		return from.Add(c.interval)
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	maxTime := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		dayOfMonthMatch := contains(c.dayOfMonth, t.Day())
		dayOfWeekMatch := contains(c.dayOfWeek, int(t.Weekday()))
		isDayMatch := dayOfMonthMatch && dayOfWeekMatch

		if !isDayMatch {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t
	}

	return time.Time{}
}

func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
