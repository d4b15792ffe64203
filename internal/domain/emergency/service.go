package emergency

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/events"
)

// Vitals filled in for missing values when the service is lenient.
const (
	defaultHeartRate       = 80
	defaultTemperature     = 37.0
	defaultOxygenLevel     = 98
	defaultRespiratoryRate = 16
)

type Service struct {
	queue        *Queue
	dir          Directory
	pub          events.Publisher
	logger       zerolog.Logger
	strictVitals bool
	categories   []SymptomCategory
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) { s.pub = p }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithLenientVitals makes registration fill missing numeric vitals with
// resting defaults instead of rejecting the request.
func WithLenientVitals() ServiceOption {
	return func(s *Service) { s.strictVitals = false }
}

// WithSymptomCategories sets the categories the symptom checker maps
// symptoms to departments with.
func WithSymptomCategories(cats []SymptomCategory) ServiceOption {
	return func(s *Service) { s.categories = cats }
}

func NewService(queue *Queue, dir Directory, opts ...ServiceOption) *Service {
	s := &Service{
		queue:        queue,
		dir:          dir,
		pub:          events.Discard{},
		logger:       zerolog.Nop(),
		strictVitals: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Registration --

// RegisterCase validates a registration request, resolves the patient and
// adds a waiting case to the queue.
func (s *Service) RegisterCase(ctx context.Context, req RegisterRequest) (EmergencyCase, error) {
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" {
		return EmergencyCase{}, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	symptoms := normalizeSymptoms(req)
	if len(symptoms) == 0 {
		return EmergencyCase{}, fmt.Errorf("%w: at least one symptom is required", ErrInvalidInput)
	}
	vitals, err := s.normalizeVitals(req.VitalSigns)
	if err != nil {
		return EmergencyCase{}, err
	}
	patient, err := s.dir.Patient(ctx, patientID)
	if err != nil {
		return EmergencyCase{}, err
	}

	c, err := s.queue.Register(patient.ID, patient.Name, symptoms, vitals, strings.TrimSpace(req.Notes))
	if err != nil {
		return EmergencyCase{}, err
	}

	s.logger.Info().
		Str("case_id", c.ID.String()).
		Str("patient_id", c.PatientID).
		Str("priority", string(c.Priority)).
		Int("estimated_wait_time", c.EstimatedWaitTime).
		Msg("emergency case registered")
	s.publish(ctx, events.CaseRegistered, c)
	return c, nil
}

func normalizeSymptoms(req RegisterRequest) []string {
	var out []string
	for _, sym := range req.Symptoms {
		if sym = strings.TrimSpace(sym); sym != "" {
			out = append(out, sym)
		}
	}
	if len(out) == 0 && req.SymptomsText != "" {
		out = ParseSymptoms(req.SymptomsText)
	}
	return out
}

func (s *Service) normalizeVitals(in VitalSignsInput) (VitalSigns, error) {
	bp := strings.TrimSpace(in.BloodPressure)
	if bp == "" {
		return VitalSigns{}, fmt.Errorf("%w: vital_signs.blood_pressure is required", ErrInvalidInput)
	}
	if err := validateBloodPressure(bp); err != nil {
		return VitalSigns{}, err
	}

	var missing []string
	if in.HeartRate == nil {
		missing = append(missing, "heart_rate")
	}
	if in.Temperature == nil {
		missing = append(missing, "temperature")
	}
	if in.OxygenLevel == nil {
		missing = append(missing, "oxygen_level")
	}
	if in.RespiratoryRate == nil {
		missing = append(missing, "respiratory_rate")
	}
	if len(missing) > 0 && s.strictVitals {
		return VitalSigns{}, fmt.Errorf("%w: missing vital_signs: %s", ErrInvalidInput, strings.Join(missing, ", "))
	}

	v := VitalSigns{
		BloodPressure:   bp,
		HeartRate:       intOr(in.HeartRate, defaultHeartRate),
		Temperature:     floatOr(in.Temperature, defaultTemperature),
		OxygenLevel:     intOr(in.OxygenLevel, defaultOxygenLevel),
		RespiratoryRate: intOr(in.RespiratoryRate, defaultRespiratoryRate),
	}
	switch {
	case v.HeartRate <= 0:
		return VitalSigns{}, fmt.Errorf("%w: heart_rate must be positive", ErrInvalidInput)
	case v.Temperature <= 0:
		return VitalSigns{}, fmt.Errorf("%w: temperature must be positive", ErrInvalidInput)
	case v.OxygenLevel < 0 || v.OxygenLevel > 100:
		return VitalSigns{}, fmt.Errorf("%w: oxygen_level must be between 0 and 100", ErrInvalidInput)
	case v.RespiratoryRate <= 0:
		return VitalSigns{}, fmt.Errorf("%w: respiratory_rate must be positive", ErrInvalidInput)
	}
	return v, nil
}

// validateBloodPressure accepts "systolic/diastolic" with positive integers.
func validateBloodPressure(bp string) error {
	sys, dia, ok := strings.Cut(bp, "/")
	if ok {
		s, errS := strconv.Atoi(strings.TrimSpace(sys))
		d, errD := strconv.Atoi(strings.TrimSpace(dia))
		if errS == nil && errD == nil && s > 0 && d > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: blood_pressure must look like 120/80, got %q", ErrInvalidInput, bp)
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// Classify previews the tier and wait estimate a case with these symptoms would get.
func (s *Service) Classify(symptoms []string) (Priority, int) {
	p := ClassifyPriority(symptoms)
	return p, EstimateWaitTime(p)
}

// CheckSymptoms gives department and urgency guidance for self-reported
// symptoms. It does not touch the queue.
func (s *Service) CheckSymptoms(_ context.Context, symptoms []string) (SymptomAnalysis, error) {
	return CheckSymptoms(s.categories, symptoms)
}

// SymptomCategories lists the symptoms the checker knows, by category.
func (s *Service) SymptomCategories(_ context.Context) []SymptomCategory {
	out := make([]SymptomCategory, len(s.categories))
	copy(out, s.categories)
	return out
}

// -- Reads --

func (s *Service) GetCase(_ context.Context, id uuid.UUID) (EmergencyCase, error) {
	return s.queue.Get(id)
}

func (s *Service) ListCases(_ context.Context, f PriorityFilter) []EmergencyCase {
	return s.queue.FilterByPriority(f)
}

func (s *Service) ActiveCases(_ context.Context) []EmergencyCase {
	return s.queue.ActiveCases()
}

func (s *Service) Summary(_ context.Context) Summary {
	return s.queue.Summary()
}

func (s *Service) History(_ context.Context, id uuid.UUID) ([]StatusChange, error) {
	return s.queue.History(id)
}

func (s *Service) LiveWaitTime(_ context.Context, id uuid.UUID) (int, error) {
	return s.queue.LiveWaitTime(id)
}

func (s *Service) Doctors(ctx context.Context) []Doctor {
	return s.dir.Doctors(ctx)
}

// -- Mutations --

// AdvanceStatus moves a case along the treatment lifecycle.
func (s *Service) AdvanceStatus(ctx context.Context, id uuid.UUID, to Status) (EmergencyCase, error) {
	c, err := s.queue.AdvanceStatus(id, to, auth.UserIDFromContext(ctx))
	if err != nil {
		return EmergencyCase{}, err
	}
	s.logger.Info().
		Str("case_id", c.ID.String()).
		Str("status", string(c.Status)).
		Msg("emergency case status updated")
	s.publish(ctx, events.CaseStatusChanged, c)
	return c, nil
}

// StartTreatment moves a waiting case to in-treatment without a doctor.
func (s *Service) StartTreatment(ctx context.Context, id uuid.UUID) (EmergencyCase, error) {
	return s.AdvanceStatus(ctx, id, StatusInTreatment)
}

// AssignDoctor assigns a doctor from the roster to a case.
func (s *Service) AssignDoctor(ctx context.Context, id uuid.UUID, doctorName string) (EmergencyCase, error) {
	if _, err := s.queue.Get(id); err != nil {
		return EmergencyCase{}, err
	}
	doc, err := s.rosterDoctor(ctx, doctorName)
	if err != nil {
		return EmergencyCase{}, err
	}
	c, err := s.queue.AssignDoctor(id, doc.Name, auth.UserIDFromContext(ctx))
	if err != nil {
		return EmergencyCase{}, err
	}
	s.logger.Info().
		Str("case_id", c.ID.String()).
		Str("doctor", c.AssignedDoctor).
		Str("status", string(c.Status)).
		Msg("doctor assigned to emergency case")
	s.publish(ctx, events.CaseDoctorAssigned, c)
	return c, nil
}

// Reopen returns an admitted or discharged case to treatment, optionally
// under a different doctor.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID, doctorName string) (EmergencyCase, error) {
	if _, err := s.queue.Get(id); err != nil {
		return EmergencyCase{}, err
	}
	if strings.TrimSpace(doctorName) != "" {
		doc, err := s.rosterDoctor(ctx, doctorName)
		if err != nil {
			return EmergencyCase{}, err
		}
		doctorName = doc.Name
	}
	c, err := s.queue.Reopen(id, doctorName, auth.UserIDFromContext(ctx))
	if err != nil {
		return EmergencyCase{}, err
	}
	s.logger.Warn().
		Str("case_id", c.ID.String()).
		Str("doctor", c.AssignedDoctor).
		Msg("emergency case reopened")
	s.publish(ctx, events.CaseReopened, c)
	return c, nil
}

// UpdateNotes replaces the notes of a case.
func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (EmergencyCase, error) {
	c, err := s.queue.UpdateNotes(id, notes)
	if err != nil {
		return EmergencyCase{}, err
	}
	s.publish(ctx, events.CaseNotesUpdated, c)
	return c, nil
}

func (s *Service) rosterDoctor(ctx context.Context, name string) (Doctor, error) {
	if strings.TrimSpace(name) == "" {
		return Doctor{}, fmt.Errorf("%w: doctor is required", ErrInvalidInput)
	}
	doc, err := s.dir.Doctor(ctx, name)
	if err != nil {
		return Doctor{}, fmt.Errorf("%w: unknown doctor %q", ErrInvalidInput, name)
	}
	return doc, nil
}

// publish never fails the calling operation; the change is already applied.
func (s *Service) publish(ctx context.Context, eventType string, c EmergencyCase) {
	e := events.New(eventType, c.ID.String())
	e.PatientID = c.PatientID
	e.Priority = string(c.Priority)
	e.Status = string(c.Status)
	e.Doctor = c.AssignedDoctor
	e.Actor = auth.UserIDFromContext(ctx)
	if err := s.pub.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).
			Str("case_id", e.CaseID).
			Str("event_type", eventType).
			Msg("failed to publish case event")
	}
}
