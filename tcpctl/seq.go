package tcpctl

// wrappingLess reports whether a is "older" than b in RFC 1323 modular
// sequence-number arithmetic, i.e. whether b lies in the forward half of
// the cycle starting at a. This is the same comparison lneto's Value type
// performs under the name LessThan/InWindow; we keep the teacher's flat
// free-function style but the arithmetic itself follows lneto, computed
// as an unsigned wraparound subtraction rather than a signed-cast compare
// to avoid the XOR-based bug the Rust prototype this spec derives from
// exhibits at the 2^31 boundary.
func wrappingLess(a, b uint32) bool {
	d := b - a
	return d != 0 && d < 1<<31
}

// isBetweenWrapped reports whether x lies strictly between start and end
// going forward through the sequence-number cycle, i.e. start < x < end
// modulo 2^32. Equal endpoints are never "between".
func isBetweenWrapped(start, x, end uint32) bool {
	return wrappingLess(start, x) && wrappingLess(x, end)
}
