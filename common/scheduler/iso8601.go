package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerKind classifies a timer definition
type TimerKind string

const (
	KindDuration TimerKind = "duration"
	KindCycle    TimerKind = "cycle"
	KindDate     TimerKind = "date"
	KindCron     TimerKind = "cron"
)

// Timer is a parsed timer definition: an ISO-8601 duration ("PT10S"),
// cycle ("R3/PT10S"), date (RFC 3339), or a Unix cron expression.
type Timer struct {
	Kind     TimerKind
	Raw      string
	Duration time.Duration
	// Repeat is the remaining cycle count; -1 means unbounded
	Repeat int
	Date   time.Time
	cron   cron.Schedule
}

// ParseTimer parses a timer definition string
func ParseTimer(def string) (*Timer, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil, fmt.Errorf("empty timer definition")
	}

	if strings.HasPrefix(def, "R") {
		return parseCycle(def)
	}
	if strings.HasPrefix(def, "P") {
		d, err := parseDuration(def)
		if err != nil {
			return nil, err
		}
		return &Timer{Kind: KindDuration, Raw: def, Duration: d}, nil
	}
	if date, err := time.Parse(time.RFC3339, def); err == nil {
		return &Timer{Kind: KindDate, Raw: def, Date: date}, nil
	}

	schedule, err := cron.ParseStandard(def)
	if err != nil {
		return nil, fmt.Errorf("unrecognized timer definition %q: %w", def, err)
	}
	return &Timer{Kind: KindCron, Raw: def, cron: schedule}, nil
}

// Next computes the next due time after now. The second return is false
// when the timer has no further firings.
func (t *Timer) Next(now time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindDuration:
		return now.Add(t.Duration), true
	case KindCycle:
		if t.Repeat == 0 {
			return time.Time{}, false
		}
		// a cycle with a start anchor fires first at the anchor
		if !t.Date.IsZero() && t.Date.After(now) {
			return t.Date, true
		}
		return now.Add(t.Duration), true
	case KindDate:
		if !t.Date.After(now) {
			return time.Time{}, false
		}
		return t.Date, true
	case KindCron:
		return t.cron.Next(now), true
	default:
		return time.Time{}, false
	}
}

// Consume decrements the remaining repeat count after a firing and reports
// whether another firing remains.
func (t *Timer) Consume() bool {
	switch t.Kind {
	case KindCycle:
		if t.Repeat > 0 {
			t.Repeat--
		}
		return t.Repeat != 0
	case KindCron:
		return true
	default:
		return false
	}
}

// parseCycle parses R[n]/<duration> or R[n]/<start>/<duration>
func parseCycle(def string) (*Timer, error) {
	parts := strings.Split(def, "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid cycle definition %q", def)
	}

	repeat := -1
	if len(parts[0]) > 1 {
		n, err := strconv.Atoi(parts[0][1:])
		if err != nil {
			return nil, fmt.Errorf("invalid cycle repeat in %q: %w", def, err)
		}
		repeat = n
	}

	durPart := parts[len(parts)-1]
	d, err := parseDuration(durPart)
	if err != nil {
		return nil, err
	}

	timer := &Timer{Kind: KindCycle, Raw: def, Duration: d, Repeat: repeat}
	if len(parts) == 3 {
		start, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid cycle start in %q: %w", def, err)
		}
		timer.Date = start
	}
	return timer, nil
}

// parseDuration parses an ISO-8601 duration. Years and months are
// approximated as 365 and 30 days.
func parseDuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	body := s[1:]
	datePart, timePart, _ := strings.Cut(body, "T")

	var total time.Duration
	parse := func(part string, units map[byte]time.Duration) error {
		num := ""
		for i := 0; i < len(part); i++ {
			c := part[i]
			if (c >= '0' && c <= '9') || c == '.' {
				num += string(c)
				continue
			}
			unit, ok := units[c]
			if !ok || num == "" {
				return fmt.Errorf("invalid duration %q", s)
			}
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			total += time.Duration(value * float64(unit))
			num = ""
		}
		if num != "" {
			return fmt.Errorf("invalid duration %q", s)
		}
		return nil
	}

	if err := parse(datePart, map[byte]time.Duration{
		'Y': 365 * 24 * time.Hour,
		'M': 30 * 24 * time.Hour,
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if err := parse(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}); err != nil {
		return 0, err
	}
	return total, nil
}
