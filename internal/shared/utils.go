// Package shared holds small helpers for handling secrets in memory.
package shared

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// Use it for passwords once they have been hashed.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
