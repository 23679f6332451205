package chunking

// rollingBase is the Rabin-Karp multiplier. Any odd constant works; this
// one spreads single-byte changes across the high bits quickly.
const rollingBase uint64 = 0x100000001b3

// RollingHash is a Rabin-Karp polynomial hash over a fixed-size window.
// Arithmetic wraps modulo 2^64.
//
// While the window is filling call Add; once it holds window bytes call
// Update with the byte leaving the window and the byte entering it.
type RollingHash struct {
	window int
	hash   uint64
	pow    uint64 // rollingBase^window
	filled int
}

// NewRollingHash creates a hash over windowSize bytes.
func NewRollingHash(windowSize int) *RollingHash {
	if windowSize <= 0 {
		windowSize = 1
	}
	pow := uint64(1)
	for i := 0; i < windowSize; i++ {
		pow *= rollingBase
	}
	return &RollingHash{window: windowSize, pow: pow}
}

// Add appends a byte without evicting anything.
func (r *RollingHash) Add(in byte) {
	r.hash = r.hash*rollingBase + uint64(in)
	r.filled++
}

// Update slides the window by one byte: out leaves, in enters.
func (r *RollingHash) Update(out, in byte) {
	r.hash = r.hash*rollingBase + uint64(in) - uint64(out)*r.pow
}

// Roll feeds the byte at data[i], evicting data[i-window] once full.
// Callers pass the same slice for consecutive i.
func (r *RollingHash) Roll(data []byte, i int) {
	if r.filled < r.window {
		r.Add(data[i])
		return
	}
	r.Update(data[i-r.window], data[i])
}

// Sum64 returns the current hash value.
func (r *RollingHash) Sum64() uint64 {
	return r.hash
}

// Window returns the window size.
func (r *RollingHash) Window() int {
	return r.window
}

// Full reports whether the window holds window bytes.
func (r *RollingHash) Full() bool {
	return r.filled >= r.window
}

// Reset clears the hash state.
func (r *RollingHash) Reset() {
	r.hash = 0
	r.filled = 0
}
