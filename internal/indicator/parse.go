package indicator

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"quantcore/internal/model"
	"quantcore/internal/series"
	"quantcore/internal/transform"
)

// DefaultSet is used when no indicator list is configured.
var DefaultSet = []Indicator{
	SMA{Field: model.FieldClose, Window: 9},
	SMA{Field: model.FieldClose, Window: 20},
	SMA{Field: model.FieldClose, Window: 50},
	SMA{Field: model.FieldClose, Window: 200},
	EMA{Field: model.FieldClose, Window: 9},
	EMA{Field: model.FieldClose, Window: 21},
	RSI{Window: 14},
}

// ParseList parses a comma-separated indicator list such as
// "rsi:14,macd:12:26:9,rank(atr:14):250:20". Invalid entries are logged
// and skipped; an empty or fully invalid list yields DefaultSet.
func ParseList(s string) []Indicator {
	var out []Indicator
	for _, part := range splitTop(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ind, err := Parse(part)
		if err != nil {
			log.Printf("[indicator] skipping invalid indicator spec %q: %v", part, err)
			continue
		}
		out = append(out, ind)
	}
	if len(out) == 0 {
		if strings.TrimSpace(s) != "" {
			log.Println("[indicator] WARNING: no valid indicators parsed, using defaults")
		}
		return DefaultSet
	}
	return out
}

// ParseAll parses a comma-separated indicator list and fails on the first
// invalid entry. An empty list is an error.
func ParseAll(s string) ([]Indicator, error) {
	var out []Indicator
	for _, part := range splitTop(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ind, err := Parse(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, ind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("indicator: empty indicator list")
	}
	return out, nil
}

// Parse reads the text form produced by String:
//
//	close                      kline:close
//	sma:close:20               ema:close:9     smma:close:14
//	max:high:20                min:low:20
//	rsi:14   tr   atr:14       diff:12:26      macd:12:26:9
//	k:9:3:3  d:9:3:3  j:9:3:3
//	effratio:10:20  spread:20  rankma:10:20  kdayratio:20
//	daykline:high              shiftdays:1:close:last
//	rank(rsi:14):250:20        roll(atr:14):max:20
//	fore(rsi:14@event:count:5):fill
func Parse(text string) (Indicator, error) {
	text = strings.TrimSpace(text)
	ind, err := parse(text)
	if err != nil {
		return nil, err
	}
	if err := ind.Validate(); err != nil {
		return nil, err
	}
	return ind, nil
}

func parse(text string) (Indicator, error) {
	if open := strings.IndexByte(text, '('); open >= 0 {
		return parseWrapper(text, open)
	}
	name, rest, _ := strings.Cut(text, ":")
	args := []string{}
	if rest != "" {
		args = strings.Split(rest, ":")
	}
	name = strings.ToLower(name)
	if f, err := model.ParseField(name); err == nil && len(args) == 0 {
		return Kline{Field: f}, nil
	}
	p := argParser{name: name, args: args}
	var ind Indicator
	switch name {
	case "kline":
		ind = Kline{Field: p.field(0)}
	case "sma":
		ind = SMA{Field: p.field(0), Window: p.int(1)}
	case "ema":
		ind = EMA{Field: p.field(0), Window: p.int(1)}
	case "smma":
		ind = SMMA{Field: p.field(0), Window: p.int(1)}
	case "max":
		ind = Max{Field: p.field(0), Window: p.int(1)}
	case "min":
		ind = Min{Field: p.field(0), Window: p.int(1)}
	case "rsi":
		ind = RSI{Window: p.int(0)}
	case "tr":
		ind = TR{}
	case "atr":
		ind = ATR{Window: p.int(0)}
	case "diff":
		ind = Diff{Fast: p.int(0), Slow: p.int(1)}
	case "macd":
		ind = MACD{Fast: p.int(0), Slow: p.int(1), Signal: p.int(2)}
	case "k":
		ind = K{N: p.int(0), M1: p.int(1), M2: p.int(2)}
	case "d":
		ind = D{N: p.int(0), M1: p.int(1), M2: p.int(2)}
	case "j":
		ind = J{N: p.int(0), M1: p.int(1), M2: p.int(2)}
	case "effratio":
		ind = EffRatio{Lag: p.int(0), Window: p.int(1)}
	case "spread":
		ind = Spread{Window: p.int(0)}
	case "rankma":
		ind = RankMA{Window: p.int(0), N: p.int(1)}
	case "kdayratio":
		ind = KDayRatio{Window: p.int(0)}
	case "daykline":
		ind = DayKline{Field: p.field(0)}
	case "shiftdays":
		ind = ShiftDays{N: p.int(0), Field: p.field(1), Spec: p.daySpec(2)}
	default:
		return nil, fmt.Errorf("indicator: unknown indicator %q", name)
	}
	if err := p.done(); err != nil {
		return nil, err
	}
	return ind, nil
}

func parseWrapper(text string, open int) (Indicator, error) {
	name := strings.ToLower(text[:open])
	closing := matchParen(text, open)
	if closing < 0 {
		return nil, fmt.Errorf("indicator: unbalanced parentheses in %q", text)
	}
	body := text[open+1 : closing]
	tail := text[closing+1:]
	if tail != "" && tail[0] != ':' {
		return nil, fmt.Errorf("indicator: unexpected %q after %s(...)", tail, name)
	}
	var args []string
	if tail != "" {
		args = strings.Split(tail[1:], ":")
	}
	p := argParser{name: name, args: args}

	switch name {
	case "rank":
		inner, err := parse(body)
		if err != nil {
			return nil, err
		}
		ind := Rank{Inner: inner, Window: p.int(0), Lookback: p.int(1)}
		return ind, p.done()
	case "roll":
		inner, err := parse(body)
		if err != nil {
			return nil, err
		}
		ind := Roll{Inner: inner, Func: p.rollFunc(0), Window: p.int(1)}
		return ind, p.done()
	case "fore":
		at := indexTop(body, '@')
		innerText, basisText := body, ""
		if at >= 0 {
			innerText, basisText = body[:at], body[at+1:]
		}
		inner, err := parse(innerText)
		if err != nil {
			return nil, err
		}
		basis, err := transform.Parse(basisText)
		if err != nil {
			return nil, fmt.Errorf("indicator: fore basis: %w", err)
		}
		post, err := parsePost(args)
		if err != nil {
			return nil, err
		}
		return Fore{Inner: inner, Basis: basis, Post: post}, nil
	}
	return nil, fmt.Errorf("indicator: unknown wrapper %q", name)
}

func parsePost(args []string) (Post, error) {
	if len(args) == 0 {
		return Align{}, nil
	}
	p := argParser{name: "fore post", args: args[1:]}
	var post Post
	switch strings.ToLower(args[0]) {
	case "align":
		post = Align{}
	case "fill":
		post = Fill{}
	case "withrank":
		post = WithRank{}
	case "rank":
		post = RankPost{Window: p.int(0), Lookback: p.int(1)}
	default:
		return nil, fmt.Errorf("indicator: unknown fore post %q", args[0])
	}
	return post, p.done()
}

// argParser reads positional arguments and remembers the first error.
type argParser struct {
	name string
	args []string
	used int
	err  error
}

func (p *argParser) arg(i int) (string, bool) {
	if i >= p.used {
		p.used = i + 1
	}
	if i >= len(p.args) {
		p.fail(fmt.Errorf("indicator: %s needs argument %d", p.name, i+1))
		return "", false
	}
	return strings.TrimSpace(p.args[i]), true
}

func (p *argParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *argParser) int(i int) int {
	s, ok := p.arg(i)
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(fmt.Errorf("indicator: %s argument %q: %w", p.name, s, err))
	}
	return v
}

func (p *argParser) field(i int) model.Field {
	s, ok := p.arg(i)
	if !ok {
		return 0
	}
	f, err := model.ParseField(s)
	if err != nil {
		p.fail(fmt.Errorf("indicator: %s: %w", p.name, err))
	}
	return f
}

func (p *argParser) rollFunc(i int) series.Func {
	s, ok := p.arg(i)
	if !ok {
		return 0
	}
	f, err := series.ParseFunc(s)
	if err != nil {
		p.fail(fmt.Errorf("indicator: %s: %w", p.name, err))
	}
	return f
}

func (p *argParser) daySpec(i int) DaySpec {
	s, ok := p.arg(i)
	if !ok {
		return 0
	}
	d, err := ParseDaySpec(strings.ToLower(s))
	if err != nil {
		p.fail(err)
	}
	return d
}

func (p *argParser) done() error {
	if p.err != nil {
		return p.err
	}
	if p.used < len(p.args) {
		return fmt.Errorf("indicator: %s takes %d arguments, got %d", p.name, p.used, len(p.args))
	}
	return nil
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// indexTop finds sep outside any parentheses.
func indexTop(s string, sep byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTop splits s on sep outside any parentheses.
func splitTop(s string, sep byte) []string {
	var out []string
	for {
		i := indexTop(s, sep)
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i+1:]
	}
}
