package emergency

import (
	"fmt"
	"strings"
)

// Urgency is the guidance level returned by the symptom checker. It is
// advice for the person reporting symptoms, not a triage tier.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyHigh      Urgency = "high"
	UrgencyMedium    Urgency = "medium"
)

// GeneralDepartment is suggested when no category lists a reported symptom.
const GeneralDepartment = "General Medicine"

// More distinct symptoms than this raise the urgency to high.
const highUrgencySymptomCount = 3

// urgentSymptoms send the caller straight to emergency care. Matched whole,
// ignoring case.
var urgentSymptoms = []string{"chest pain", "difficulty breathing", "seizures", "severe headache", "coughing blood"}

// SymptomCategory groups symptoms under the department that treats them.
type SymptomCategory struct {
	Name       string   `json:"category" yaml:"category"`
	Department string   `json:"department" yaml:"department"`
	Symptoms   []string `json:"symptoms" yaml:"symptoms"`
}

type SymptomAnalysis struct {
	Symptoms            []string `json:"symptoms"`
	SuggestedDepartment string   `json:"suggested_department"`
	UrgencyLevel        Urgency  `json:"urgency_level"`
	PossibleConditions  []string `json:"possible_conditions"`
	Recommendations     []string `json:"recommendations"`
	ShouldSeekImmediate bool     `json:"should_seek_immediate"`
}

// CheckSymptoms suggests a department and an urgency for a set of reported
// symptoms. The first category, in order, listing any of the symptoms picks
// the department. Duplicates are counted once.
func CheckSymptoms(categories []SymptomCategory, symptoms []string) (SymptomAnalysis, error) {
	var picked []string
	seen := make(map[string]bool, len(symptoms))
	for _, s := range symptoms {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		picked = append(picked, s)
	}
	if len(picked) == 0 {
		return SymptomAnalysis{}, fmt.Errorf("%w: at least one symptom is required", ErrInvalidInput)
	}

	immediate := false
	for _, u := range urgentSymptoms {
		if seen[u] {
			immediate = true
			break
		}
	}

	a := SymptomAnalysis{
		Symptoms:            picked,
		SuggestedDepartment: GeneralDepartment,
		UrgencyLevel:        UrgencyMedium,
		PossibleConditions:  []string{"Requires professional evaluation"},
		ShouldSeekImmediate: immediate,
	}
	if dept, ok := matchCategory(categories, seen); ok {
		a.SuggestedDepartment = dept
	}
	switch {
	case immediate:
		a.UrgencyLevel = UrgencyEmergency
	case len(picked) > highUrgencySymptomCount:
		a.UrgencyLevel = UrgencyHigh
	}

	first := "Schedule an appointment soon"
	if immediate {
		first = "Seek immediate medical attention"
	}
	a.Recommendations = []string{first, "Prepare a list of all medications", "Note when symptoms started"}
	return a, nil
}

func matchCategory(categories []SymptomCategory, reported map[string]bool) (string, bool) {
	for _, cat := range categories {
		for _, s := range cat.Symptoms {
			if reported[strings.ToLower(strings.TrimSpace(s))] {
				return cat.Department, true
			}
		}
	}
	return "", false
}
