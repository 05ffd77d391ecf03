package scheduler

import (
	"strconv"
	"strings"
)

// CompareStreamIDs orders two Redis stream IDs of the form "<ms>-<seq>".
// A missing sequence counts as 0. IDs that do not parse sort before every
// valid ID and compare equal to each other.
func CompareStreamIDs(a, b string) int {
	ams, aseq, aok := parseStreamID(a)
	bms, bseq, bok := parseStreamID(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	case ams != bms:
		return cmpUint(ams, bms)
	default:
		return cmpUint(aseq, bseq)
	}
}

func parseStreamID(s string) (ms, seq uint64, ok bool) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if hasSeq {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return ms, seq, true
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// advance returns the later of the current cursor and id. The cursor
// never moves backwards.
func advance(cursor, id string) string {
	if id == "" {
		return cursor
	}
	if CompareStreamIDs(id, cursor) > 0 {
		return id
	}
	return cursor
}
