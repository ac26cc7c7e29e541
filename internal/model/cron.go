package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a five field cron expression or a @macro.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

// Interval returns the time between two consecutive runs after now.
func (ts TimerSchedule) Interval(now time.Time) (time.Duration, error) {
	switch {
	case ts.Cron != "":
		schedule, err := ParseCron(ts.Cron)
		if err != nil {
			return 0, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		next1 := schedule.Next(now)
		return schedule.Next(next1).Sub(next1), nil
	case ts.Duration != "":
		d, err := ParseISODuration(ts.Duration)
		if err != nil {
			return 0, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("service.schedule.duration must be positive: got %s", ts.Duration)
		}
		return d, nil
	default:
		return 0, errors.New("both cron and duration are empty")
	}
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseISODuration supports the PnDTnHnMnS subset of ISO-8601.
// Months and years are rejected as ambiguous.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	_, timePart, hasT := strings.Cut(dur, "T")
	if hasT && timePart == "" {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		unit, ok := isoUnits[name]
		if !ok || part == "" {
			continue
		}
		// P2M means two months without a T
		if name == "minute" && !hasT {
			return 0, ErrISOFormat
		}
		num, frac, err := splitDecimal(part)
		if err != nil {
			return 0, err
		}
		ret += time.Duration(num) * unit
		if num >= 0 {
			ret += time.Duration(frac * float64(unit))
		} else {
			ret -= time.Duration(frac * float64(unit))
		}
	}
	return ret, nil
}

func splitDecimal(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
