package social

// PairKey returns the canonical, order-independent key for an unordered user
// pair. Conversation deduplication hangs off this key, so it must be stable:
// the smaller id always comes first.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// SortPair returns the pair in canonical order (smaller id first).
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
