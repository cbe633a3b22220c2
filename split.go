package imapcore

// DefaultSplitThreshold is IMAP's recommended line-length limit for
// commands that must be split across multiple requests, in octets.
const DefaultSplitThreshold = 8192

// EstimateLen returns the number of octets s would occupy on the wire.
// It mirrors the command builder's accounting for NumSet slots: callers
// that assemble a command from multiple NumSet-bearing pieces can sum
// EstimateLen results to decide whether a command needs to be split to
// stay under a server's line-length limit.
func EstimateLen(s NumSet) int {
	return len(s.String())
}

// SplitNumSet splits s into one or more NumSets of the same concrete
// type (SeqSet or UIDSet), each of which, when rendered on the wire via
// String, is no longer than threshold octets. A threshold of 0 or less
// uses DefaultSplitThreshold.
//
// SplitNumSet never splits a single range across two results even if
// the range's own rendering exceeds threshold, since a range is the
// smallest unit NumSet can express.
//
// A dynamic set ("*", "n:*", or the SEARCHRES marker "$") is never
// split: it is returned as the sole element, since it has no
// enumerable ranges to divide.
func SplitNumSet(s NumSet, threshold int) []NumSet {
	if threshold <= 0 {
		threshold = DefaultSplitThreshold
	}
	if s.Dynamic() {
		return []NumSet{s}
	}

	switch s := s.(type) {
	case SeqSet:
		return splitRanges(s, threshold, func(ranges []SeqRange) NumSet {
			return SeqSet(ranges)
		})
	case UIDSet:
		return splitRanges(s, threshold, func(ranges []UIDRange) NumSet {
			return UIDSet(ranges)
		})
	default:
		return []NumSet{s}
	}
}

func splitRanges[R any](ranges []R, threshold int, wrap func([]R) NumSet) []NumSet {
	if len(ranges) == 0 {
		return []NumSet{wrap(nil)}
	}

	var out []NumSet
	start := 0
	end := 1
	for start < len(ranges) {
		for end < len(ranges) && EstimateLen(wrap(ranges[start:end+1])) <= threshold {
			end++
		}
		out = append(out, wrap(ranges[start:end]))
		start = end
		end = start + 1
	}
	return out
}
