/*
djb2 is deliberately not collision-resistant — the cache always
verifies entry.NormalizedKey against the query's normalization before
returning a hit (spec.md §9, "djb2 + normalized-key double check").
This replaces the gateway's SHA-256-based caching.hashPrompt with the
faster, explicitly-non-cryptographic hash the spec mandates; the
verify-on-read discipline the gateway already had is preserved.
*/
package cache

import "strconv"

// djb2 computes Bernstein's hash over s, truncated to 32 bits — the
// classic `hash = hash*33 + c` recurrence seeded at 5381.
func djb2(s string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = ((hash << 5) + hash) + uint32(s[i])
	}
	return hash
}

// ExactKey computes the cache's exact-lookup key: a "ts_"-prefixed,
// base-36-encoded djb2 hash of Normalize(prompt) || "|model:" || model.
func ExactKey(normalizedPrompt, model string) string {
	raw := normalizedPrompt + "|model:" + model
	h := djb2(raw)
	return "ts_" + strconv.FormatUint(uint64(h), 36)
}
