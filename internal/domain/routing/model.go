package routing

import "time"

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Step records one finished station.
type Step struct {
	ClinicID    string    `json:"clinicId"`
	CompletedAt time.Time `json:"completedAt"`
}

// Route is a patient's station sequence for one day. Stations is frozen
// when the route is created.
type Route struct {
	PatientID   string           `json:"patientId"`
	Date        string           `json:"date"`
	ExamType    string           `json:"examType"`
	Gender      string           `json:"gender"`
	Stations    []string         `json:"stations"`
	CurrentStep int              `json:"currentStep"`
	History     []Step           `json:"history"`
	Status      string           `json:"status"`
	Weights     map[string]int64 `json:"weights,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// Current returns the station the patient should be at, or "" once the
// route is complete.
func (r *Route) Current() string {
	if r.Status == StatusCompleted || r.CurrentStep >= len(r.Stations) {
		return ""
	}
	return r.Stations[r.CurrentStep]
}

func (r *Route) visited(clinic string) bool {
	for _, s := range r.History {
		if s.ClinicID == clinic {
			return true
		}
	}
	return false
}
