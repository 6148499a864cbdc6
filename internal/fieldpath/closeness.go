package fieldpath

import "encoding/json"

// Canonical returns the byte-stable form of a value used for candidate
// bucketing. Two claims land in the same candidate only when their
// canonical forms are identical; overlapping-but-different time windows
// stay distinct candidates.
func Canonical(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}

// Equivalent reports whether two values are the same candidate.
func Equivalent(a, b any) bool {
	return Canonical(a) == Canonical(b)
}

// Closeness measures how directly two distinct candidate values contradict
// each other, 0 = unrelated, 1 = near-identical. Closeness scales the
// contradiction penalty between candidates; it never merges them.
//
// Time windows use Jaccard overlap of their minute intervals
// (intersection / union). All other kinds treat any two distinct values of
// the same field as full contradictions (1.0): a field holds exactly one
// value, so different prices or enum tokens exclude each other entirely.
func Closeness(kind Kind, a, b any) float64 {
	if kind != KindWindow {
		return 1.0
	}
	wa, errA := ParseWindow(a)
	wb, errB := ParseWindow(b)
	if errA != nil || errB != nil {
		return 1.0
	}
	return windowJaccard(wa, wb)
}

func windowJaccard(a, b TimeWindow) float64 {
	aStart, aEnd := a.minutes()
	bStart, bEnd := b.minutes()

	inter := overlap(aStart, aEnd, bStart, bEnd)
	// A window unwrapped past midnight can still overlap one that wasn't:
	// compare against the other shifted by a day in both directions.
	if shifted := overlap(aStart+1440, aEnd+1440, bStart, bEnd); shifted > inter {
		inter = shifted
	}
	if shifted := overlap(aStart, aEnd, bStart+1440, bEnd+1440); shifted > inter {
		inter = shifted
	}

	union := (aEnd - aStart) + (bEnd - bStart) - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func overlap(aStart, aEnd, bStart, bEnd int) int {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
