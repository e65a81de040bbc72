package helper

// Hash computes the FNV-1a hash of s. It decides which server an object or
// key-value pair lives on, so it must stay stable across releases.
func Hash(s string) uint64 {
	var hash uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= 1099511628211
	}
	return hash
}

// ServerIndex maps a name onto one of count servers.
func ServerIndex(name string, count uint32) uint32 {
	if count == 0 {
		return 0
	}
	return uint32(Hash(name) % uint64(count))
}
