package db

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
)

// DefaultNumberDraws bounds how many collisions the generator tolerates
const DefaultNumberDraws = 10

// DrawAccountNumber returns a random 10 digit number that never starts with 0.
func DrawAccountNumber() string {
	return strconv.FormatInt(1_000_000_000+rand.Int63n(9_000_000_000), 10)
}

// GenerateUniqueAccountNumber draws numbers until one is free in the store.
// This is best effort: two concurrent callers may still pick the same number,
// so CreateAccount has to enforce uniqueness itself.
func GenerateUniqueAccountNumber(ctx context.Context, store AccountStore, draw func() string, maxDraws int) (string, error) {
	if draw == nil {
		draw = DrawAccountNumber
	}
	if maxDraws <= 0 {
		maxDraws = DefaultNumberDraws
	}

	for i := 0; i < maxDraws; i++ {
		number := draw()
		exists, err := store.NumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("failed to check account number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("no free account number after %d draws", maxDraws)
}
