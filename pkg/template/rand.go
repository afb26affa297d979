package template

import (
	"math"
	"math/rand"
	"strconv"
)

const randomStringAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomInt returns a random int in [lo, hi]. math/rand's global source
// is auto-seeded and safe for concurrent use.
func randomInt(lo, hi int) any {
	if lo > hi {
		return nil
	}
	return lo + rand.Intn(hi-lo+1)
}

// randomFloat returns a random float in [lo, hi), optionally rounded to the
// given number of decimal places.
func randomFloat(lo, hi float64, precision int) any {
	if lo > hi {
		return nil
	}
	v := lo + rand.Float64()*(hi-lo)
	if precision >= 0 {
		shift := math.Pow10(precision)
		v = math.Round(v*shift) / shift
		// Round-trip through a fixed-precision string so rendered output
		// matches the requested precision.
		v, _ = strconv.ParseFloat(strconv.FormatFloat(v, 'f', precision, 64), 64)
	}
	return v
}

// randomString returns a random alphanumeric string of length n.
func randomString(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = randomStringAlphabet[rand.Intn(len(randomStringAlphabet))]
	}
	return string(b)
}
