package store

// Mean returns the arithmetic mean of values, or 0 when there are none.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// ResultScore is the mean of a result's scores.
func ResultScore(scores []Score) float64 {
	values := make([]float64, 0, len(scores))
	for _, s := range scores {
		values = append(values, s.Score)
	}

	return Mean(values)
}

// EvalScore is the mean over results of each result's mean score. A result
// without scores, such as a failed one, counts as zero.
func EvalScore(results []Result, scoresByResult map[uint][]Score) float64 {
	values := make([]float64, 0, len(results))
	for _, r := range results {
		values = append(values, ResultScore(scoresByResult[r.ID]))
	}

	return Mean(values)
}

// GroupScores indexes scores by result.
func GroupScores(scores []Score) map[uint][]Score {
	out := make(map[uint][]Score, len(scores))
	for _, s := range scores {
		out[s.ResultID] = append(out[s.ResultID], s)
	}

	return out
}

// GroupTraces indexes traces by result, keeping their order.
func GroupTraces(traces []Trace) map[uint][]Trace {
	out := make(map[uint][]Trace, len(traces))
	for _, t := range traces {
		out[t.ResultID] = append(out[t.ResultID], t)
	}

	return out
}

// GroupResults indexes results by eval, keeping their order.
func GroupResults(results []Result) map[uint][]Result {
	out := make(map[uint][]Result, len(results))
	for _, r := range results {
		out[r.EvalID] = append(out[r.EvalID], r)
	}

	return out
}
