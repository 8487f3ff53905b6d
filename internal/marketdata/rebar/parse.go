package rebar

import (
	"fmt"
	"strconv"
	"strings"

	"quantcore/internal/session"
)

// ParseRule reads "count:5", "volume:2500", "session:rl5m" or
// "session:09:00:00-11:30:00,13:30:00-15:00:00".
func ParseRule(s string) (Rule, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("rebar: rule %q needs a parameter", s)
	}
	var r Rule
	switch strings.ToLower(kind) {
	case "count":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("rebar: count %q: %w", arg, err)
		}
		r = Count{N: n}
	case "volume":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("rebar: volume %q: %w", arg, err)
		}
		r = Volume{Threshold: v}
	case "session":
		if sched, ok := session.Builtin[strings.ToLower(arg)]; ok {
			r = Session{Name: strings.ToLower(arg), Schedule: sched}
			break
		}
		sched, err := session.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("rebar: %w", err)
		}
		r = Session{Schedule: sched}
	default:
		return nil, fmt.Errorf("rebar: unknown rule %q", kind)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("rebar: %s: %w", r, err)
	}
	return r, nil
}
