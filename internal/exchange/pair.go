package exchange

import (
	"regexp"
	"slices"
	"strings"
)

// pairPattern splits legacy Kraken identifiers such as XXBTZUSD into base and
// quote. The base group is lazy so the first Z after the prefix splits.
var pairPattern = regexp.MustCompile(`^X(.+?)Z(.+)$`)

// ResolvePair maps a platform symbol onto one of the exchange's pair
// identifiers. An exact match wins; otherwise the first candidate of the form
// X<base>Z<quote> whose base and quote concatenate to symbol is used.
// Candidates are examined in lexicographic order. With no match the
// identifier is synthesized as X<first three>Z<rest>, upper-cased, and is not
// verified against the candidates.
func ResolvePair(symbol string, candidates []string) string {
	sorted := slices.Clone(candidates)
	slices.Sort(sorted)

	if _, found := slices.BinarySearch(sorted, symbol); found {
		return symbol
	}

	for _, candidate := range sorted {
		m := pairPattern.FindStringSubmatch(candidate)
		if m == nil {
			continue
		}
		base, quote := m[1], m[2]
		if len(base) > len(symbol) {
			continue
		}
		if symbol[:len(base)] == base && symbol[len(base):] == quote {
			return candidate
		}
	}

	return fallbackPair(symbol)
}

func fallbackPair(symbol string) string {
	head, tail := symbol, ""
	if len(symbol) > 3 {
		head, tail = symbol[:3], symbol[3:]
	}
	return strings.ToUpper("X" + head + "Z" + tail)
}
