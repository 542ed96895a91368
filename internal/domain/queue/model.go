package queue

import (
	"math"
	"time"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusCalled    Status = "CALLED"
	StatusInService Status = "IN_SERVICE"
	StatusTimeout   Status = "TIMEOUT"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
)

// Active reports whether a ticket in this state still occupies the queue.
func (s Status) Active() bool {
	return s != StatusDone && s != StatusCancelled
}

// MinutesPerPatient is the service time assumed for wait estimates.
const MinutesPerPatient = 5

// Counter is the per-clinic-day admission tally.
type Counter struct {
	ClinicID  string    `json:"clinicId"`
	Date      string    `json:"date"`
	Entered   uint64    `json:"entered"`
	Exited    uint64    `json:"exited"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Waiting is Entered minus Exited.
func (c Counter) Waiting() uint64 {
	if c.Exited > c.Entered {
		return 0
	}
	return c.Entered - c.Exited
}

// Ticket is one admission of a patient to a clinic on a day. Number never
// changes once assigned.
type Ticket struct {
	ClinicID        string     `json:"clinicId"`
	Date            string     `json:"date"`
	PatientID       string     `json:"patientId"`
	Number          uint64     `json:"number"`
	// Previous is the number of the patient's earlier ticket of the day at
	// this clinic, zero on a first visit.
	Previous        uint64     `json:"previous,omitempty"`
	Status          Status     `json:"status"`
	EnteredAt       time.Time  `json:"enteredAt"`
	CalledAt        *time.Time `json:"calledAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	ExitAt          *time.Time `json:"exitAt,omitempty"`
	TimeoutAt       *time.Time `json:"timeoutAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	ServiceMinutes  *int       `json:"serviceMinutes,omitempty"`
	TimeoutReason   string     `json:"timeoutReason,omitempty"`
}

// Elapsed is the time since admission.
func (t *Ticket) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.EnteredAt)
}

func roundMinutes(d time.Duration) *int {
	m := int(math.Round(d.Minutes()))
	return &m
}

// CurrentCall records the ticket most recently called at a clinic.
type CurrentCall struct {
	ClinicID  string    `json:"clinicId"`
	Date      string    `json:"date"`
	PatientID string    `json:"patientId"`
	Number    uint64    `json:"number"`
	CalledAt  time.Time `json:"calledAt"`
}

// EnterResult is returned by Enter. Existing is true when the patient
// already held an active ticket and no number was consumed.
type EnterResult struct {
	Ticket               *Ticket `json:"ticket"`
	Existing             bool    `json:"existing"`
	Ahead                int     `json:"ahead"`
	TotalWaiting         int     `json:"totalWaiting"`
	EstimatedWaitMinutes int     `json:"estimatedWaitMinutes"`
}

// ExitResult is returned by Exit. Next is empty when the route is complete
// or the patient has no route.
type ExitResult struct {
	Ticket        *Ticket      `json:"ticket"`
	Next          string       `json:"next,omitempty"`
	RouteComplete bool         `json:"routeComplete"`
	NextTicket    *EnterResult `json:"nextTicket,omitempty"`
	RouteError    string       `json:"routeError,omitempty"`
}

// Position describes where a patient stands in a clinic queue.
type Position struct {
	ClinicID             string `json:"clinicId"`
	PatientID            string `json:"patientId"`
	Number               uint64 `json:"number"`
	Status               Status `json:"status"`
	Ahead                int    `json:"ahead"`
	TotalWaiting         int    `json:"totalWaiting"`
	EstimatedWaitMinutes int    `json:"estimatedWaitMinutes"`
}

// Snapshot is the full state of a clinic queue for a day.
type Snapshot struct {
	ClinicID string       `json:"clinicId"`
	Date     string       `json:"date"`
	Counter  Counter      `json:"counter"`
	Waiting  uint64       `json:"waiting"`
	Current  *CurrentCall `json:"current,omitempty"`
	Tickets  []*Ticket    `json:"tickets"`
}

// SweepPolicy is what a supervisor sweep enforces, taken from settings.
type SweepPolicy struct {
	MaxWait        time.Duration
	WarnAfter      time.Duration
	QueueInterval  time.Duration
	NearAhead      int
	TimeoutEnabled bool
	AutoCall       bool
}

// SweepReport summarises one sweep of one clinic.
type SweepReport struct {
	ClinicID     string   `json:"clinicId"`
	Warned       int      `json:"warned"`
	TimedOut     []uint64 `json:"timedOut,omitempty"`
	NearNotified int      `json:"nearNotified"`
	Called       *Ticket  `json:"called,omitempty"`
}

// ReconcileReport describes repairs made by Reconcile.
type ReconcileReport struct {
	ClinicID         string  `json:"clinicId"`
	Date             string  `json:"date"`
	Before           Counter `json:"before"`
	After            Counter `json:"after"`
	ListAdded        int     `json:"listAdded"`
	ListRemoved      int     `json:"listRemoved"`
	PointersRepaired int     `json:"pointersRepaired"`
}

// Changed reports whether Reconcile wrote anything.
func (r ReconcileReport) Changed() bool {
	return r.Before.Entered != r.After.Entered || r.Before.Exited != r.After.Exited ||
		r.ListAdded > 0 || r.ListRemoved > 0 || r.PointersRepaired > 0
}
