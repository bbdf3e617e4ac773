//go:build !amd64 && !arm64 && !wasm

package util

// l2SquaredKernel and dotKernel are the scalar fallback for architectures
// without a 4-wide float SIMD register file. Same function names, same
// semantics, same results up to the last-ULP FMA/reduction-order
// differences spec.md §4.1 documents as acceptable across builds — only the
// accumulation strategy differs from distance_simd.go.
func l2SquaredKernel(a, b []float32) float32 {
	return l2SquaredScalar(a, b)
}

func dotKernel(a, b []float32) float32 {
	return dotScalar(a, b)
}
