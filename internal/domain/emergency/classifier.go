package emergency

import "strings"

// Keyword sets are matched as lower-case substrings of each symptom.
var (
	criticalKeywords = []string{"chest pain", "difficulty breathing", "unconscious", "severe bleeding", "stroke"}
	mediumKeywords   = []string{"high fever", "fracture", "severe pain", "vomiting blood"}
)

// ClassifyPriority maps reported symptoms to a triage tier. Every symptom is
// checked against the critical keywords before any is checked against the
// medium keywords, so one critical match outranks any number of medium ones.
func ClassifyPriority(symptoms []string) Priority {
	lowered := make([]string, len(symptoms))
	for i, s := range symptoms {
		lowered[i] = strings.ToLower(s)
	}
	if anyContains(lowered, criticalKeywords) {
		return PriorityCritical
	}
	if anyContains(lowered, mediumKeywords) {
		return PriorityMedium
	}
	return PriorityNormal
}

func anyContains(symptoms, keywords []string) bool {
	for _, s := range symptoms {
		for _, k := range keywords {
			if strings.Contains(s, k) {
				return true
			}
		}
	}
	return false
}

// ParseSymptoms splits comma-separated free text into trimmed, non-empty symptoms.
func ParseSymptoms(text string) []string {
	var out []string
	for _, part := range strings.Split(text, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
