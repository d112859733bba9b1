package miner

// Candidate is a score together with the vertical gap that produced it.
type Candidate struct {
	Score
	VerticalGap    float64
	HorizontalGap  int
	ContinuousDays int
}

// SearchParams bounds one threshold search.
type SearchParams struct {
	HorizontalGap  int
	ContinuousDays int
	Threshold      float64 // required exceed probability τ
	Low            float64 // search bounds on the vertical gap, percent
	High           float64
	Epsilon        float64 // stop when High − Low shrinks below this
	MaxIterations  int
}

// DefaultSearchParams returns the standard v ∈ [0, 200] search with τ = 0.8.
func DefaultSearchParams(horizontalGap, continuousDays int) SearchParams {
	return SearchParams{
		HorizontalGap:  horizontalGap,
		ContinuousDays: continuousDays,
		Threshold:      0.8,
		Low:            0,
		High:           200,
		Epsilon:        0.1,
		MaxIterations:  100,
	}
}

// Search bisects the vertical gap looking for the largest threshold whose
// top-scoring point still exceeds it with probability ≥ τ. The best valid
// candidate only ever improves: a later midpoint that scores worse cannot
// displace an earlier valid one at a higher gap, because valid midpoints
// move the lower bound up. Returns false when no midpoint ever met τ.
func (m *Miner) Search(series *DaySeries, sp SearchParams) (Candidate, bool) {
	var best Candidate
	found := false

	low, high := sp.Low, sp.High
	for itr := 0; itr < sp.MaxIterations && high-low > sp.Epsilon; itr++ {
		v := (low + high) / 2
		scores := m.FindBestPoints(series, Params{
			VerticalGap:    v,
			HorizontalGap:  sp.HorizontalGap,
			ContinuousDays: sp.ContinuousDays,
		})
		if len(scores) == 0 {
			return Candidate{}, false
		}
		top := scores[0]
		if top.ExceedProb >= sp.Threshold {
			best = Candidate{
				Score:          top,
				VerticalGap:    v,
				HorizontalGap:  sp.HorizontalGap,
				ContinuousDays: sp.ContinuousDays,
			}
			found = true
			low = v
		} else {
			high = v
		}
	}
	return best, found
}
