package storage

// Positions are fractional indexes: strings over the printable ASCII range
// '!'..'~' read as base-94 digits after an implicit radix point. Byte order
// equals numeric order, so lists sort their children with plain string
// comparison. Generated positions never end in the zero digit, which keeps
// a position strictly between any two distinct neighbours available.
const (
	digitZero = '!'
	digitBase = int('~' - '!' + 1)
)

func digitAt(s string, i int) int {
	if i < len(s) {
		return int(s[i] - digitZero)
	}

	return 0
}

// Between returns a position strictly greater than lo and strictly less
// than hi. An empty lo means the start of the list and an empty hi the
// end. When hi is not greater than lo the result is placed after lo.
func Between(lo, hi string) string {
	if hi != "" && lo >= hi {
		hi = ""
	}

	return midpoint(lo, hi)
}

func midpoint(lo, hi string) string {
	if hi != "" {
		n := 0
		for n < len(hi) && digitAt(lo, n) == int(hi[n]-digitZero) {
			n++
		}

		if n > 0 {
			rest := ""
			if n < len(lo) {
				rest = lo[n:]
			}

			return hi[:n] + midpoint(rest, hi[n:])
		}
	}

	a := digitAt(lo, 0)

	b := digitBase
	if hi != "" {
		b = int(hi[0] - digitZero)
	}

	if b-a > 1 {
		return string(rune(digitZero + (a+b)/2))
	}

	if hi != "" && len(hi) > 1 {
		return hi[:1]
	}

	rest := ""
	if len(lo) > 1 {
		rest = lo[1:]
	}

	return string(rune(digitZero+a)) + midpoint(rest, "")
}

// validPosition reports whether p is a non-empty digit string.
func validPosition(p string) bool {
	if p == "" {
		return false
	}

	for i := 0; i < len(p); i++ {
		if p[i] < digitZero || p[i] > '~' {
			return false
		}
	}

	return true
}
