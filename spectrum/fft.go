package spectrum

// Fast Fourier Transform (FFT)
//
// Iterative radix-2 Cooley-Tukey transform used by the analyser to turn a
// window of microphone samples into frequency bins.
//
// 1. Bit-reversal permutation:
//    - Reorders the input so every butterfly stage can work in place
//    - Replaces the even/odd split of the recursive formulation
//
// 2. Butterfly stages:
//    - log2(N) passes, each combining pairs of half-size transforms
//    - Twiddle factors W_N^k = e^(-2πik/N) are precomputed once per size
//
// 3. Output:
//    - Bin k covers k*sampleRate/N Hz
//    - Only the first N/2 bins carry information for a real input signal
//
// The input length must be a power of two.

import (
	"math"
	"math/bits"
)

// FFT returns the spectrum of a real signal.
func FFT(input []float64) []complex128 {
	out := make([]complex128, len(input))
	for i, v := range input {
		out[i] = complex(v, 0)
	}
	fftInPlace(out, twiddles(len(out)))
	return out
}

func twiddles(n int) []complex128 {
	w := make([]complex128, n/2)
	for k := range w {
		angle := -2 * math.Pi * float64(k) / float64(n)
		w[k] = complex(math.Cos(angle), math.Sin(angle))
	}
	return w
}

func fftInPlace(x []complex128, w []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}
	shift := 64 - uint(bits.TrailingZeros(uint(n)))
	for i := 0; i < n; i++ {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		if j > i {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := n / size
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				t := w[k*step] * x[start+k+half]
				x[start+k+half] = x[start+k] - t
				x[start+k] += t
			}
		}
	}
}
