package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// BaseKey derives the idempotency base for one symbol/side of a run.
func BaseKey(runID, symbol string, side schema.Side) string {
	return fmt.Sprintf("%s:%s:%s", strings.TrimSpace(runID), strings.ToUpper(strings.TrimSpace(symbol)), side)
}

// AttemptKey appends the attempt suffix to a base key. Replacements use the next attempt.
func AttemptKey(base string, attempt int) string {
	return base + "#" + strconv.Itoa(attempt)
}

// SplitKey separates an attempt key into its base and attempt number. Keys without a suffix are attempt 1.
func SplitKey(key string) (string, int) {
	idx := strings.LastIndexByte(key, '#')
	if idx < 0 {
		return key, 1
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n < 1 {
		return key, 1
	}
	return key[:idx], n
}
