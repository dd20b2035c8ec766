// Package limits describes the OS resource limits a contained bomb runs under.
package limits

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Limits are the resource limits for one contained run. A zero field is unset.
type Limits struct {
	CPUs   int           // whole cores
	Memory int64         // bytes
	PIDs   int           // max processes/threads
	Time   time.Duration // wall clock deadline
}

// Minimums used when a contained run leaves a limit unset
const (
	DefaultCPUs   = 1
	DefaultMemory = 512 << 20
	DefaultPIDs   = 64
	DefaultTime   = 1 * time.Minute
)

var memoryUnits = map[byte]float64{
	'b': 1,
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
	'p': 1 << 50,
}

// ParseMemory parses sizes such as "512M", "1.5g", "64kb" or "1024" into bytes.
// Units are powers of 1024 and case-insensitive; trailing units multiply.
func ParseMemory(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("memory string cannot be empty")
	}

	x := strings.ToLower(strings.TrimSpace(s))
	modifier := 1.0
	for len(x) > 0 {
		unit, ok := memoryUnits[x[len(x)-1]]
		if !ok {
			break
		}
		modifier *= unit
		x = x[:len(x)-1]
	}

	val, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory string %q: %w", s, err)
	}
	if val < 0 || math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, fmt.Errorf("invalid memory string %q: must be a non-negative size", s)
	}

	bytes := math.Round(val * modifier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("invalid memory string %q: too large", s)
	}
	return int64(bytes), nil
}

// FormatMemory renders n with the largest unit that divides it exactly
func FormatMemory(n int64) string {
	for _, u := range []struct {
		suffix string
		size   int64
	}{
		{"P", 1 << 50},
		{"T", 1 << 40},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
	} {
		if n != 0 && n%u.size == 0 {
			return strconv.FormatInt(n/u.size, 10) + u.suffix
		}
	}
	return strconv.FormatInt(n, 10) + "B"
}

// Update tightens l with other: each field becomes the smaller set value
func (l *Limits) Update(other Limits) {
	l.CPUs = minSet(l.CPUs, other.CPUs)
	l.Memory = minSet(l.Memory, other.Memory)
	l.PIDs = minSet(l.PIDs, other.PIDs)
	l.Time = minSet(l.Time, other.Time)
}

func minSet[T int | int64 | time.Duration](a, b T) T {
	if a > 0 && b > 0 {
		return min(a, b)
	}
	if a > 0 {
		return a
	}
	return b
}

// Defaults returns the limits used when nothing else is configured
func Defaults() Limits {
	return Limits{
		CPUs:   DefaultCPUs,
		Memory: DefaultMemory,
		PIDs:   DefaultPIDs,
		Time:   DefaultTime,
	}
}

// Validate fills every unset field from Defaults and returns the result
func Validate(l Limits) Limits {
	d := Defaults()
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.Memory <= 0 {
		l.Memory = d.Memory
	}
	if l.PIDs <= 0 {
		l.PIDs = d.PIDs
	}
	if l.Time <= 0 {
		l.Time = d.Time
	}
	return l
}

// String renders the set fields, e.g. "cpus=1 memory=8M pids=50 time=10s"
func (l Limits) String() string {
	var parts []string
	if l.CPUs > 0 {
		parts = append(parts, "cpus="+strconv.Itoa(l.CPUs))
	}
	if l.Memory > 0 {
		parts = append(parts, "memory="+FormatMemory(l.Memory))
	}
	if l.PIDs > 0 {
		parts = append(parts, "pids="+strconv.Itoa(l.PIDs))
	}
	if l.Time > 0 {
		parts = append(parts, "time="+l.Time.String())
	}
	if len(parts) == 0 {
		return "unlimited"
	}
	return strings.Join(parts, " ")
}
