package pin

import (
	"fmt"
	"time"
)

const (
	// StateTTL bounds the life of a clinic-day pool.
	StateTTL = 48 * time.Hour
	// ReplayWindow is how long an idempotency key returns the same PIN.
	ReplayWindow = 60 * time.Second
	// LockTTL is the lease of the per clinic-day PIN lock.
	LockTTL = 3 * time.Second

	// MaxExpand caps how many PINs one Expand call may add.
	MaxExpand = 100

	maxKeyLen = 128
)

func StateKey(clinic, date string) string {
	return fmt.Sprintf("pins:%s:%s", clinic, date)
}

func ReplayKey(clinic, key string) string {
	return fmt.Sprintf("idempotency:pin:%s:%s", clinic, key)
}

func LockResource(clinic, date string) string {
	return fmt.Sprintf("pin:%s:%s", clinic, date)
}
