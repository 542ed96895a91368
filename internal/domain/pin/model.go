package pin

import (
	"fmt"
	"strconv"
	"time"
)

// Tier names which pool a PIN came from.
const (
	TierPrimary = "primary"
	TierReserve = "reserve"
)

// State is the per clinic-day PIN pool. Available only shrinks and Reserve
// grows only through extend; every issued PIN moves to Taken and is never
// handed out again that day.
type State struct {
	ClinicID    string    `json:"clinicId"`
	Date        string    `json:"date"`
	Available   []string  `json:"available"`
	Reserve     []string  `json:"reserve"`
	Taken       []string  `json:"taken"`
	Issued      int       `json:"issued"`
	ReserveMode bool      `json:"reserveMode"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// newState numbers the primary pool 01..primary and the reserve pool after
// it, zero-padded to two digits.
func newState(clinic, date string, primary, reserve int, now time.Time) *State {
	st := &State{
		ClinicID:  clinic,
		Date:      date,
		Available: make([]string, 0, primary),
		Reserve:   make([]string, 0, reserve),
		Taken:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := 1; i <= primary; i++ {
		st.Available = append(st.Available, format(i))
	}
	for i := primary + 1; i <= primary+reserve; i++ {
		st.Reserve = append(st.Reserve, format(i))
	}
	return st
}

func format(n int) string { return fmt.Sprintf("%02d", n) }

// take pops the next PIN, primary first. ok is false once both pools are
// empty.
func (st *State) take(now time.Time) (pin string, reserve, ok bool) {
	switch {
	case len(st.Available) > 0:
		pin, st.Available = st.Available[0], st.Available[1:]
	case len(st.Reserve) > 0:
		pin, st.Reserve = st.Reserve[0], st.Reserve[1:]
		reserve = true
		st.ReserveMode = true
	default:
		return "", false, false
	}
	st.Taken = append(st.Taken, pin)
	st.Issued++
	st.UpdatedAt = now
	return pin, reserve, true
}

// highest is the largest PIN number the pool has ever held.
func (st *State) highest() int {
	top := 0
	for _, list := range [][]string{st.Available, st.Reserve, st.Taken} {
		for _, pin := range list {
			if n, err := strconv.Atoi(pin); err == nil && n > top {
				top = n
			}
		}
	}
	return top
}

// extend appends n fresh numbers after highest to the reserve pool and
// returns them. Numbers already used that day are never reissued.
func (st *State) extend(n int, now time.Time) []string {
	start := st.highest()
	added := make([]string, 0, n)
	for i := start + 1; i <= start+n; i++ {
		added = append(added, format(i))
	}
	st.Reserve = append(st.Reserve, added...)
	st.UpdatedAt = now
	return added
}

func (st *State) issued(pin string) bool {
	for _, p := range st.Taken {
		if p == pin {
			return true
		}
	}
	return false
}

// Assignment is the answer to one PIN request.
type Assignment struct {
	ClinicID      string    `json:"clinicId"`
	Date          string    `json:"date"`
	Pin           string    `json:"pin"`
	Reserve       bool      `json:"reserve"`
	Issued        int       `json:"issued"`
	AvailableLeft int       `json:"availableLeft"`
	ReserveLeft   int       `json:"reserveLeft"`
	ReserveMode   bool      `json:"reserveMode"`
	Replayed      bool      `json:"replayed"`
	AssignedAt    time.Time `json:"assignedAt"`
}

// Status summarises a pool for operators.
type Status struct {
	ClinicID      string   `json:"clinicId"`
	Date          string   `json:"date"`
	Initialized   bool     `json:"initialized"`
	Issued        int      `json:"issued"`
	AvailableLeft int      `json:"availableLeft"`
	ReserveLeft   int      `json:"reserveLeft"`
	ReserveMode   bool     `json:"reserveMode"`
	Taken         []string `json:"taken"`
}

// Expansion reports the PINs added by Expand.
type Expansion struct {
	ClinicID      string   `json:"clinicId"`
	Date          string   `json:"date"`
	Added         []string `json:"added"`
	AvailableLeft int      `json:"availableLeft"`
	ReserveLeft   int      `json:"reserveLeft"`
}
