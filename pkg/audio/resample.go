package audio

// Resampler converts mono int16 audio between two rates using the rational
// factor Up/Down reduced by the greatest common divisor of the rates. The
// interpolation is linear and stateless, so block boundaries are not
// smoothed; callers feed blocks whose length is a multiple of Down to keep
// output lengths exact.
type Resampler struct {
	Up   int
	Down int
}

// NewResampler returns the Resampler mapping srcRate to dstRate. Non-positive
// rates yield the identity resampler.
func NewResampler(srcRate, dstRate int) Resampler {
	if srcRate <= 0 || dstRate <= 0 {
		return Resampler{Up: 1, Down: 1}
	}
	g := gcd(srcRate, dstRate)
	return Resampler{Up: dstRate / g, Down: srcRate / g}
}

// Identity reports whether r passes samples through unchanged.
func (r Resampler) Identity() bool {
	return r.Up == r.Down
}

// OutputLen returns the number of output samples produced for n input samples.
func (r Resampler) OutputLen(n int) int {
	if r.Down <= 0 {
		return n
	}
	return n * r.Up / r.Down
}

// InputLen returns the number of input samples needed to produce n output
// samples.
func (r Resampler) InputLen(n int) int {
	if r.Up <= 0 {
		return n
	}
	return n * r.Down / r.Up
}

// Process resamples in. The input slice is returned as-is for the identity
// ratio.
func (r Resampler) Process(in []int16) []int16 {
	if r.Identity() || len(in) == 0 {
		return in
	}
	n := r.OutputLen(len(in))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(r.Down) / float64(r.Up)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(in[idx])
		s1 := s0
		if idx+1 < len(in) {
			s1 = float64(in[idx+1])
		}
		out[i] = clamp16(s0*(1-frac) + s1*frac)
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
