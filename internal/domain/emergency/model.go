package emergency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the triage tier assigned to a case at registration.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityMedium   Priority = "medium"
	PriorityNormal   Priority = "normal"
)

// Valid reports whether p is one of the three triage tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityMedium, PriorityNormal:
		return true
	}
	return false
}

// rank orders tiers for queue position; lower is seen first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// ParsePriority parses a tier name, ignoring case and surrounding space.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: invalid priority %q (valid: critical, medium, normal)", ErrInvalidInput, s)
	}
	return p, nil
}

// PriorityFilter selects cases by tier. The zero value and FilterAll match every case.
type PriorityFilter string

const FilterAll PriorityFilter = "all"

// ParsePriorityFilter accepts a tier name or "all". An empty string means "all".
func ParsePriorityFilter(s string) (PriorityFilter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == string(FilterAll) {
		return FilterAll, nil
	}
	p, err := ParsePriority(s)
	if err != nil {
		return "", err
	}
	return PriorityFilter(p), nil
}

func (f PriorityFilter) matches(p Priority) bool {
	return f == "" || f == FilterAll || Priority(f) == p
}

// Status is the position of a case in the treatment lifecycle.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusInTreatment Status = "in-treatment"
	StatusAdmitted    Status = "admitted"
	StatusDischarged  Status = "discharged"
)

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusWaiting, StatusInTreatment, StatusAdmitted, StatusDischarged:
		return st, nil
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrInvalidInput, s)
}

// VitalSigns recorded when the patient arrives.
type VitalSigns struct {
	BloodPressure   string  `json:"blood_pressure"`
	HeartRate       int     `json:"heart_rate"`
	Temperature     float64 `json:"temperature"`
	OxygenLevel     int     `json:"oxygen_level"`
	RespiratoryRate int     `json:"respiratory_rate"`
}

// EmergencyCase is a single patient's emergency encounter, tracked from arrival to discharge.
type EmergencyCase struct {
	ID                uuid.UUID  `json:"id"`
	PatientID         string     `json:"patient_id"`
	PatientName       string     `json:"patient_name"`
	ArrivalTime       time.Time  `json:"arrival_time"`
	Symptoms          []string   `json:"symptoms"`
	VitalSigns        VitalSigns `json:"vital_signs"`
	Priority          Priority   `json:"priority"`
	Status            Status     `json:"status"`
	AssignedDoctor    string     `json:"assigned_doctor,omitempty"`
	Notes             string     `json:"notes"`
	EstimatedWaitTime int        `json:"estimated_wait_time"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// clone returns a copy that shares no slices with c.
func (c *EmergencyCase) clone() EmergencyCase {
	out := *c
	out.Symptoms = append([]string(nil), c.Symptoms...)
	return out
}

// StatusChange is one entry of a case's status history.
type StatusChange struct {
	CaseID    uuid.UUID `json:"case_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
	ChangedBy string    `json:"changed_by,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// VitalSignsInput carries vitals as submitted. Numeric fields are pointers so
// that a missing value can be told apart from zero.
type VitalSignsInput struct {
	BloodPressure   string   `json:"blood_pressure"`
	HeartRate       *int     `json:"heart_rate,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	OxygenLevel     *int     `json:"oxygen_level,omitempty"`
	RespiratoryRate *int     `json:"respiratory_rate,omitempty"`
}

// RegisterRequest is the typed case-registration payload.
type RegisterRequest struct {
	PatientID    string          `json:"patient_id"`
	Symptoms     []string        `json:"symptoms"`
	SymptomsText string          `json:"symptoms_text,omitempty"`
	VitalSigns   VitalSignsInput `json:"vital_signs"`
	Notes        string          `json:"notes"`
}

// Summary backs the dashboard's priority cards.
type Summary struct {
	Total          int              `json:"total"`
	Active         int              `json:"active"`
	ActiveCritical int              `json:"active_critical"`
	ActiveMedium   int              `json:"active_medium"`
	ActiveNormal   int              `json:"active_normal"`
	ByStatus       map[Status]int   `json:"by_status"`
	ByPriority     map[Priority]int `json:"by_priority"`
}

// Patient is a directory entry a case can reference.
type Patient struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	BloodGroup string `json:"blood_group,omitempty" yaml:"blood_group"`
}

// Doctor is a roster entry that cases can be assigned to.
type Doctor struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Department string `json:"department,omitempty" yaml:"department"`
}
