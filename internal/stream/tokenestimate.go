package stream

// CharsPerToken approximates the character-to-token ratio for the running
// token count surfaced to the UI during streaming. Never used for billing.
const CharsPerToken = 3.5

// TokenEstimator tracks a running character count and reports the
// corresponding token estimate.
type TokenEstimator struct {
	chars int
}

// Observe adds the length of s to the running character count.
func (e *TokenEstimator) Observe(s string) {
	e.chars += len(s)
}

// Tokens returns the current token estimate.
func (e *TokenEstimator) Tokens() int {
	return int(float64(e.chars) / CharsPerToken)
}
