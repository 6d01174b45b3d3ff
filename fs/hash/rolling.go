package hash

// Rolling is the Adler style weak checksum used to find moved blocks.
// It can be slid one byte at a time in constant work, which is what
// makes scanning every offset of a file affordable.
type Rolling struct {
	a uint32
	b uint32
}

// RollingFromBytes computes the rolling digest of an entire window.
func RollingFromBytes(p []byte) Rolling {
	var r Rolling
	n := uint32(len(p))
	for i, c := range p {
		r.a += uint32(c)
		r.b += (n - uint32(i)) * uint32(c)
	}
	return r
}

// Roll slides the window one byte: leave falls off the front, enter
// joins at the back. window is the (constant) window length.
func (r *Rolling) Roll(enter, leave byte, window int) {
	r.a += uint32(enter) - uint32(leave)
	r.b += r.a - uint32(window)*uint32(leave)
}

// Sum32 returns the canonical 32 bit weak checksum: the low halves of
// both sums packed together.
func (r Rolling) Sum32() uint32 {
	return (r.a & 0xFFFF) | (r.b << 16)
}

// RollingSum32 is the one-shot form of the weak checksum.
func RollingSum32(p []byte) uint32 {
	r := RollingFromBytes(p)
	return r.Sum32()
}
