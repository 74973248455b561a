package store

// Summary aggregates the trials of one session.
type Summary struct {
	Session   TaskSession `json:"session"`
	Trials    int         `json:"trials"`
	Scored    int         `json:"scored"`
	Correct   int         `json:"correct"`
	Timeouts  int         `json:"timeouts"`
	Early     int         `json:"early"`
	Accuracy  float64     `json:"accuracy"`
	MeanRTMS  float64     `json:"mean_rt_ms"`
	MeanLevel float64     `json:"mean_difficulty"`
}

// Summarize computes accuracy over scored and timed-out trials. Reaction
// time is averaged over correct scored trials only; early presses count
// separately.
func Summarize(s TaskSession, trials []TrialRecord) Summary {
	out := Summary{Session: s, Trials: len(trials)}
	var rtSum int64
	var rtN int
	var levelSum int
	for _, t := range trials {
		levelSum += t.Difficulty
		switch t.Outcome {
		case "early":
			out.Early++
			continue
		case "timeout":
			out.Timeouts++
		default:
			out.Scored++
		}
		if t.Correct != nil && *t.Correct {
			out.Correct++
			if t.Outcome != "timeout" {
				rtSum += t.ReactionTimeMS
				rtN++
			}
		}
	}
	if n := out.Scored + out.Timeouts; n > 0 {
		out.Accuracy = float64(out.Correct) / float64(n)
	}
	if rtN > 0 {
		out.MeanRTMS = float64(rtSum) / float64(rtN)
	}
	if len(trials) > 0 {
		out.MeanLevel = float64(levelSum) / float64(len(trials))
	}
	return out
}
