package matchmaker

import "sort"

// Pair is a formed two-player match candidate set.
type Pair [2]Candidate

// pairFIFO pairs consecutive candidates in popped order. The pop already
// sorted by score (enqueue time), so consecutive pairing preserves first-come
// first-served.
func pairFIFO(candidates []Candidate) (pairs []Pair, leftover []Candidate) {
	i := 0
	for ; i+1 < len(candidates); i += 2 {
		pairs = append(pairs, Pair{candidates[i], candidates[i+1]})
	}
	return pairs, candidates[i:]
}

// pairMMR pairs by smallest absolute score difference inside the acceptance
// window. Deterministic for a given batch: candidates are sorted by score
// (identity as tiebreaker) and adjacent gaps are taken smallest-first.
// Candidates whose closest remaining neighbour is outside the window stay
// unmatched and are requeued for a later, wider window.
func pairMMR(candidates []Candidate, window int64) (pairs []Pair, leftover []Candidate) {
	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score < sorted[j].Score
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	// After sorting, the best partner for any candidate is one of its
	// neighbours, so only adjacent gaps need considering.
	used := make([]bool, len(sorted))
	for {
		best, bestGap := -1, int64(-1)
		for i := 0; i+1 < len(sorted); i++ {
			if used[i] || used[i+1] {
				continue
			}
			gap := sorted[i+1].Score - sorted[i].Score
			if gap > window {
				continue
			}
			if best == -1 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best == -1 {
			break
		}
		used[best], used[best+1] = true, true
		pairs = append(pairs, Pair{sorted[best], sorted[best+1]})
	}

	for i, c := range sorted {
		if !used[i] {
			leftover = append(leftover, c)
		}
	}
	return pairs, leftover
}
