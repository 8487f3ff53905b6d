package transform

import (
	"fmt"
	"strconv"
	"strings"

	"quantcore/internal/marketdata/rebar"
	"quantcore/internal/session"
)

// Parse reads the text form produced by String. Stages are separated by
// ">" and chained left to right:
//
//	ori
//	tf:09:00:00-11:30:00
//	ha:10
//	event:count:5
//	volfilter:20:80
//	log
//	flat
//	ha:10>event:session:rl5m>volfilter:20:50
func Parse(text string) (Convert, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Ori{}, nil
	}
	parts := strings.Split(text, ">")
	stages := make([]Convert, 0, len(parts))
	for _, p := range parts {
		c, err := parseStage(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		stages = append(stages, c)
	}
	c := Chain(stages...)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseStage(s string) (Convert, error) {
	kind, arg, _ := strings.Cut(s, ":")
	switch strings.ToLower(kind) {
	case "ori", "":
		return Ori{}, nil
	case "log":
		return LogNorm{}, nil
	case "flat":
		return FlatTick{}, nil
	case "ha":
		w, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("transform: ha window %q: %w", arg, err)
		}
		return HeikinAshi{Window: w}, nil
	case "tf":
		lhs, rhs, ok := strings.Cut(arg, "-")
		if !ok {
			return nil, fmt.Errorf("transform: tf window %q needs start-end", arg)
		}
		start, err := session.ParseTimeOfDay(lhs)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		end, err := session.ParseTimeOfDay(rhs)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return Tf{Start: start, End: end}, nil
	case "event":
		r, err := rebar.ParseRule(arg)
		if err != nil {
			return nil, fmt.Errorf("transform: %w", err)
		}
		return Event{Rule: r}, nil
	case "volfilter":
		ws, ps, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("transform: volfilter %q needs window:percent", arg)
		}
		w, err := strconv.Atoi(ws)
		if err != nil {
			return nil, fmt.Errorf("transform: volfilter window %q: %w", ws, err)
		}
		p, err := strconv.ParseFloat(ps, 64)
		if err != nil {
			return nil, fmt.Errorf("transform: volfilter percent %q: %w", ps, err)
		}
		return VolFilter{Window: w, Percent: p}, nil
	}
	return nil, fmt.Errorf("transform: unknown convert %q", kind)
}
