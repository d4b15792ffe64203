// Package seed loads the mock patients, doctors and emergency cases the
// dashboard starts with, plus the symptom checker's categories.
package seed

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/triage/internal/domain/emergency"
)

//go:embed default.yaml
var defaultData []byte

type Dataset struct {
	Patients []emergency.Patient `yaml:"patients"`
	Doctors  []emergency.Doctor  `yaml:"doctors"`
	Cases    []Case              `yaml:"cases"`

	SymptomCategories []emergency.SymptomCategory `yaml:"symptom_categories"`
}

// Case is a pre-existing emergency case. Priority and wait estimate are kept
// as written; when omitted they are derived from the symptoms.
type Case struct {
	PatientID         string   `yaml:"patient_id"`
	ArrivedMinutesAgo int      `yaml:"arrived_minutes_ago"`
	Symptoms          []string `yaml:"symptoms"`
	VitalSigns        Vitals   `yaml:"vital_signs"`
	Priority          string   `yaml:"priority"`
	Status            string   `yaml:"status"`
	AssignedDoctor    string   `yaml:"assigned_doctor"`
	Notes             string   `yaml:"notes"`
	EstimatedWaitTime *int     `yaml:"estimated_wait_time"`
}

type Vitals struct {
	BloodPressure   string  `yaml:"blood_pressure"`
	HeartRate       int     `yaml:"heart_rate"`
	Temperature     float64 `yaml:"temperature"`
	OxygenLevel     int     `yaml:"oxygen_level"`
	RespiratoryRate int     `yaml:"respiratory_rate"`
}

// Default returns the embedded dataset.
func Default() (*Dataset, error) {
	return Parse(defaultData)
}

// Load reads a dataset from path, or the embedded one when path is empty.
func Load(path string) (*Dataset, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML dataset. Unknown keys are rejected.
func Parse(data []byte) (*Dataset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d Dataset
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks that ids are unique and every case refers to a known
// patient and doctor.
func (d *Dataset) Validate() error {
	patients := make(map[string]bool, len(d.Patients))
	for _, p := range d.Patients {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("seed: patient needs id and name")
		}
		if patients[p.ID] {
			return fmt.Errorf("seed: duplicate patient id %q", p.ID)
		}
		patients[p.ID] = true
	}
	doctors := make(map[string]bool, len(d.Doctors))
	for _, doc := range d.Doctors {
		if doc.Name == "" {
			return fmt.Errorf("seed: doctor needs a name")
		}
		doctors[doc.Name] = true
	}
	for i, c := range d.Cases {
		if !patients[c.PatientID] {
			return fmt.Errorf("seed: case %d refers to unknown patient %q", i, c.PatientID)
		}
		if c.AssignedDoctor != "" && !doctors[c.AssignedDoctor] {
			return fmt.Errorf("seed: case %d refers to unknown doctor %q", i, c.AssignedDoctor)
		}
		if strings.TrimSpace(c.Priority) != "" {
			if _, err := emergency.ParsePriority(c.Priority); err != nil {
				return fmt.Errorf("seed: case %d: %w", i, err)
			}
		}
		if strings.TrimSpace(c.Status) != "" {
			if _, err := emergency.ParseStatus(c.Status); err != nil {
				return fmt.Errorf("seed: case %d: %w", i, err)
			}
		}
	}
	categories := make(map[string]bool, len(d.SymptomCategories))
	for i, cat := range d.SymptomCategories {
		if strings.TrimSpace(cat.Name) == "" || strings.TrimSpace(cat.Department) == "" {
			return fmt.Errorf("seed: symptom category %d needs a category and a department", i)
		}
		if categories[strings.ToLower(cat.Name)] {
			return fmt.Errorf("seed: duplicate symptom category %q", cat.Name)
		}
		categories[strings.ToLower(cat.Name)] = true
		if len(cat.Symptoms) == 0 {
			return fmt.Errorf("seed: symptom category %q lists no symptoms", cat.Name)
		}
	}
	return nil
}

// Directory builds the patient directory and doctor roster.
func (d *Dataset) Directory() *emergency.MemoryDirectory {
	return emergency.NewMemoryDirectory(d.Patients, d.Doctors)
}

// EmergencyCases converts the seeded cases, placing arrivals relative to now.
func (d *Dataset) EmergencyCases(now time.Time) []emergency.EmergencyCase {
	names := make(map[string]string, len(d.Patients))
	for _, p := range d.Patients {
		names[p.ID] = p.Name
	}

	out := make([]emergency.EmergencyCase, 0, len(d.Cases))
	for _, c := range d.Cases {
		// Validate has already accepted these spellings.
		priority, err := emergency.ParsePriority(c.Priority)
		if err != nil {
			priority = emergency.ClassifyPriority(c.Symptoms)
		}
		status, err := emergency.ParseStatus(c.Status)
		if err != nil {
			status = emergency.StatusWaiting
		}
		wait := emergency.EstimateWaitTime(priority)
		if c.EstimatedWaitTime != nil {
			wait = *c.EstimatedWaitTime
		}
		out = append(out, emergency.EmergencyCase{
			PatientID:   c.PatientID,
			PatientName: names[c.PatientID],
			ArrivalTime: now.Add(-time.Duration(c.ArrivedMinutesAgo) * time.Minute),
			Symptoms:    c.Symptoms,
			VitalSigns: emergency.VitalSigns{
				BloodPressure:   c.VitalSigns.BloodPressure,
				HeartRate:       c.VitalSigns.HeartRate,
				Temperature:     c.VitalSigns.Temperature,
				OxygenLevel:     c.VitalSigns.OxygenLevel,
				RespiratoryRate: c.VitalSigns.RespiratoryRate,
			},
			Priority:          priority,
			Status:            status,
			AssignedDoctor:    c.AssignedDoctor,
			Notes:             c.Notes,
			EstimatedWaitTime: wait,
		})
	}
	return out
}

// Apply seeds q with the dataset's cases.
func (d *Dataset) Apply(q *emergency.Queue, now time.Time) error {
	return q.Seed(d.EmergencyCases(now)...)
}
