package guard

import "github.com/costshield/gateway/internal/textnorm"

// Normalize delegates to the shared textnorm rule — the guard and the
// response cache must agree on what "the same prompt" means.
func Normalize(text string) string { return textnorm.Normalize(text) }
