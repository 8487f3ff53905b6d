package session

// hhmmss converts a packed 091259.5 style literal.
func hhmmss(v float64) TimeOfDay {
	whole := int(v)
	ms := int((v-float64(whole))*1000 + 0.5)
	return AtMilli(whole/10000, whole/100%100, whole%100, ms)
}

func spans(pairs ...[2]float64) Schedule {
	out := make(Schedule, len(pairs))
	for i, p := range pairs {
		out[i] = Span{Start: hhmmss(p[0]), End: hhmmss(p[1])}
	}
	return out
}

// Rl5m is the five-minute day session with the morning break and lunch.
var Rl5m = MustSchedule(spans(
	[2]float64{91000, 91259.5}, [2]float64{91300, 91759.5}, [2]float64{91800, 92259.5},
	[2]float64{92300, 92759.5}, [2]float64{92800, 93259.5}, [2]float64{93300, 93759.5},
	[2]float64{93800, 94259.5}, [2]float64{94300, 94759.5}, [2]float64{94800, 95259.5},
	[2]float64{95300, 95759.5}, [2]float64{95800, 100259.5}, [2]float64{100300, 100759.5},
	[2]float64{100800, 101450.5}, [2]float64{103000, 103259.5}, [2]float64{103300, 103759.5},
	[2]float64{103800, 104259.5}, [2]float64{104300, 104759.5}, [2]float64{104800, 105259.5},
	[2]float64{105300, 105759.5}, [2]float64{105800, 110259.5}, [2]float64{110300, 110759.5},
	[2]float64{110800, 111259.5}, [2]float64{111300, 111759.5}, [2]float64{111800, 112259.5},
	[2]float64{112300, 112950.5}, [2]float64{133000, 133259.5}, [2]float64{133300, 133759.5},
	[2]float64{133800, 134259.5}, [2]float64{134300, 134759.5}, [2]float64{134800, 135259.5},
	[2]float64{135300, 135759.5}, [2]float64{135800, 140259.5}, [2]float64{140300, 140759.5},
	[2]float64{140800, 141259.5}, [2]float64{141300, 141759.5}, [2]float64{141800, 142259.5},
	[2]float64{142300, 142759.5}, [2]float64{142800, 143259.5}, [2]float64{143300, 143759.5},
	[2]float64{143800, 144259.5}, [2]float64{144300, 144759.5}, [2]float64{144800, 145259.5},
	[2]float64{145300, 145659.5},
)...)

// Rl30mDay is the half-hour day session.
var Rl30mDay = MustSchedule(spans(
	[2]float64{90530, 93030.5}, [2]float64{93031, 95930.5}, [2]float64{95931, 101450},
	[2]float64{103000, 105930.5}, [2]float64{105931, 112930}, [2]float64{133000, 135930.5},
	[2]float64{135931, 142930.5}, [2]float64{142931, 145900},
)...)

// Rlast is one bar per trading day, opening with the night session.
var Rlast = MustSchedule(DayJump{Start: At(21, 0, 0), Days: 1, End: At(14, 55, 50)})

// Builtin maps schedule names accepted by config and query strings.
var Builtin = map[string]Schedule{
	"rl5m":     Rl5m,
	"rl30mday": Rl30mDay,
	"rlast":    Rlast,
}
