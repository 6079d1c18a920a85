package vm

// strHash computes a djb2-style string hash. The recursive form in the
// original implementation is str_hash(s) = s[0] + 33*str_hash(s[1:]), base
// case 5381; iterating from the last byte backward reproduces it exactly.
func strHash(s string) uint64 {
	h := uint64(5381)
	for i := len(s) - 1; i >= 0; i-- {
		h = uint64(s[i]) + 33*h
	}
	return h
}

// hashCombine mixes two 64-bit hashes (boost::hash_combine, 64-bit constant).
func hashCombine(a, b uint64) uint64 {
	return a ^ (b + 0x9e3779b97f4a7c15 + (a << 6) + (a >> 2))
}
