// human readable and writable types
// which can be used inside config file
package model

import (
	"errors"
	"math"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Duration is written as 1d2h3m4s in a config file.
type Duration string

var cueDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// Value returns the parsed duration or zero if d is malformed. The schema
// rejects malformed values so zero only shows up for hand built configs.
func (d Duration) Value() time.Duration {
	v, err := ParseCueDuration(string(d))
	if err != nil {
		return 0
	}
	return v
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	expanded := os.ExpandEnv(string(text))
	if _, err := ParseCueDuration(expanded); err != nil {
		return err
	}
	*d = Duration(expanded)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

// ParseCueDuration parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$ into time.Duration.
// Supports ordered day/hour/minute/second segments. Empty string rejected.
func ParseCueDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := cueDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		numStr := seg[:len(seg)-1]
		val, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		default:
			return 0, errors.New("unknown unit in " + seg)
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}
