package routing

import (
	"fmt"
	"time"
)

const (
	// RouteTTL bounds the life of a stored route.
	RouteTTL = 48 * time.Hour
	// LockTTL is the lease of the per-patient route lock.
	LockTTL = 5 * time.Second
)

func RouteKey(date, patient string) string {
	return fmt.Sprintf("route:%s:%s", date, patient)
}

func LockResource(date, patient string) string {
	return fmt.Sprintf("route:%s:%s", date, patient)
}
