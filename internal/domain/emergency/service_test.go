package emergency

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/events"
)

// =========== Fake Publisher ===========

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *fakePublisher) last() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// =========== Helpers ===========

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func userCtx(id string) context.Context {
	return auth.WithUser(context.Background(), id, []string{auth.RoleNurse})
}

func fullVitals() VitalSignsInput {
	return VitalSignsInput{
		BloodPressure:   "120/80",
		HeartRate:       intPtr(72),
		Temperature:     floatPtr(36.8),
		OxygenLevel:     intPtr(99),
		RespiratoryRate: intPtr(14),
	}
}

func newTestService(opts ...ServiceOption) (*Service, *fakePublisher) {
	pub := &fakePublisher{}
	opts = append([]ServiceOption{WithPublisher(pub), WithSymptomCategories(testCategories())}, opts...)
	return NewService(NewQueue(), testDirectory(), opts...), pub
}

func registerCase(t *testing.T, svc *Service, symptoms ...string) EmergencyCase {
	t.Helper()
	c, err := svc.RegisterCase(context.Background(), RegisterRequest{
		PatientID:  "p1",
		Symptoms:   symptoms,
		VitalSigns: fullVitals(),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return c
}

// =========== Registration ===========

func TestService_RegisterCase_SevereHeadacheIsNormal(t *testing.T) {
	svc, _ := newTestService()
	c, err := svc.RegisterCase(context.Background(), RegisterRequest{
		PatientID: "p1",
		Symptoms:  []string{"Severe headache", "Nausea"},
		VitalSigns: VitalSignsInput{
			BloodPressure:   "130/85",
			HeartRate:       intPtr(78),
			Temperature:     floatPtr(37.8),
			OxygenLevel:     intPtr(98),
			RespiratoryRate: intPtr(16),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "severe headache" does not contain the "severe pain" keyword.
	if c.Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %s", c.Priority)
	}
	if c.EstimatedWaitTime != 30 {
		t.Errorf("expected 30 minute wait, got %d", c.EstimatedWaitTime)
	}
	if c.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", c.Status)
	}
	want := VitalSigns{BloodPressure: "130/85", HeartRate: 78, Temperature: 37.8, OxygenLevel: 98, RespiratoryRate: 16}
	if c.VitalSigns != want {
		t.Errorf("expected vitals %+v, got %+v", want, c.VitalSigns)
	}
}

func TestService_RegisterCase(t *testing.T) {
	svc, pub := newTestService()
	c, err := svc.RegisterCase(userCtx("nurse-1"), RegisterRequest{
		PatientID:  "p2",
		Symptoms:   []string{" Difficulty breathing ", ""},
		VitalSigns: fullVitals(),
		Notes:      "  arrived by ambulance ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.PatientName != "Maria Garcia" {
		t.Errorf("expected name from directory, got %q", c.PatientName)
	}
	if c.Priority != PriorityCritical || c.EstimatedWaitTime != 0 {
		t.Errorf("unexpected triage %s/%d", c.Priority, c.EstimatedWaitTime)
	}
	if len(c.Symptoms) != 1 || c.Symptoms[0] != "Difficulty breathing" {
		t.Errorf("expected trimmed symptoms, got %v", c.Symptoms)
	}
	if c.Notes != "arrived by ambulance" {
		t.Errorf("expected trimmed notes, got %q", c.Notes)
	}

	e := pub.last()
	if e.Type != events.CaseRegistered || e.CaseID != c.ID.String() {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Priority != "critical" || e.PatientID != "p2" || e.Actor != "nurse-1" {
		t.Errorf("unexpected event fields %+v", e)
	}
}

func TestService_RegisterCase_SymptomsText(t *testing.T) {
	svc, _ := newTestService()
	c, err := svc.RegisterCase(context.Background(), RegisterRequest{
		PatientID:    "p1",
		SymptomsText: "Nausea, High fever",
		VitalSigns:   fullVitals(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Symptoms) != 2 || c.Priority != PriorityMedium || c.EstimatedWaitTime != 15 {
		t.Errorf("unexpected case %+v", c)
	}
}

func TestService_RegisterCase_Validation(t *testing.T) {
	missingHR := fullVitals()
	missingHR.HeartRate = nil
	badBP := fullVitals()
	badBP.BloodPressure = "high"
	noBP := fullVitals()
	noBP.BloodPressure = ""
	badO2 := fullVitals()
	badO2.OxygenLevel = intPtr(120)
	zeroHR := fullVitals()
	zeroHR.HeartRate = intPtr(0)

	tests := []struct {
		name string
		req  RegisterRequest
		want string
	}{
		{"missing patient", RegisterRequest{Symptoms: []string{"Cough"}, VitalSigns: fullVitals()}, "patient_id"},
		{"no symptoms", RegisterRequest{PatientID: "p1", Symptoms: []string{" "}, VitalSigns: fullVitals()}, "symptom"},
		{"missing blood pressure", RegisterRequest{PatientID: "p1", Symptoms: []string{"Cough"}, VitalSigns: noBP}, "blood_pressure"},
		{"malformed blood pressure", RegisterRequest{PatientID: "p1", Symptoms: []string{"Cough"}, VitalSigns: badBP}, "120/80"},
		{"missing heart rate", RegisterRequest{PatientID: "p1", Symptoms: []string{"Cough"}, VitalSigns: missingHR}, "heart_rate"},
		{"oxygen out of range", RegisterRequest{PatientID: "p1", Symptoms: []string{"Cough"}, VitalSigns: badO2}, "oxygen_level"},
		{"zero heart rate", RegisterRequest{PatientID: "p1", Symptoms: []string{"Cough"}, VitalSigns: zeroHR}, "heart_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, pub := newTestService()
			_, err := svc.RegisterCase(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
			if len(svc.ListCases(context.Background(), FilterAll)) != 0 {
				t.Error("queue should be unchanged")
			}
			if len(pub.types()) != 0 {
				t.Error("no event expected")
			}
		})
	}
}

func TestService_RegisterCase_UnknownPatient(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.RegisterCase(context.Background(), RegisterRequest{
		PatientID:  "p9",
		Symptoms:   []string{"Cough"},
		VitalSigns: fullVitals(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_RegisterCase_LenientVitals(t *testing.T) {
	svc, _ := newTestService(WithLenientVitals())
	c, err := svc.RegisterCase(context.Background(), RegisterRequest{
		PatientID:  "p1",
		Symptoms:   []string{"Cough"},
		VitalSigns: VitalSignsInput{BloodPressure: "118/76", HeartRate: intPtr(90)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := VitalSigns{BloodPressure: "118/76", HeartRate: 90, Temperature: 37.0, OxygenLevel: 98, RespiratoryRate: 16}
	if c.VitalSigns != want {
		t.Errorf("expected defaults for missing vitals, got %+v", c.VitalSigns)
	}
}

func TestService_Classify(t *testing.T) {
	svc, _ := newTestService()
	p, wait := svc.Classify([]string{"Fracture"})
	if p != PriorityMedium || wait != 15 {
		t.Errorf("expected medium/15, got %s/%d", p, wait)
	}
}

// =========== Mutations ===========

func TestService_AssignDoctor(t *testing.T) {
	svc, pub := newTestService()
	c := registerCase(t, svc, "Chest pain")

	got, err := svc.AssignDoctor(userCtx("nurse-1"), c.ID, "dr. michael chen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AssignedDoctor != "Dr. Michael Chen" {
		t.Errorf("expected roster name, got %q", got.AssignedDoctor)
	}
	if got.Status != StatusInTreatment {
		t.Errorf("expected in-treatment, got %s", got.Status)
	}
	e := pub.last()
	if e.Type != events.CaseDoctorAssigned || e.Doctor != "Dr. Michael Chen" {
		t.Errorf("unexpected event %+v", e)
	}

	h, _ := svc.History(context.Background(), c.ID)
	if h[len(h)-1].ChangedBy != "nurse-1" {
		t.Errorf("expected actor on history, got %+v", h[len(h)-1])
	}
}

func TestService_AssignDoctor_UnknownDoctor(t *testing.T) {
	svc, _ := newTestService()
	c := registerCase(t, svc, "Cough")

	if _, err := svc.AssignDoctor(context.Background(), c.ID, "Dr. Nobody"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.AssignDoctor(context.Background(), c.ID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	got, _ := svc.GetCase(context.Background(), c.ID)
	if got.Status != StatusWaiting || got.AssignedDoctor != "" {
		t.Error("case must be unchanged")
	}
}

func TestService_AssignDoctor_UnknownCaseWins(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.AssignDoctor(context.Background(), uuid.New(), "Dr. Nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown case, got %v", err)
	}
	if _, err := svc.Reopen(context.Background(), uuid.New(), "Dr. Nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown case, got %v", err)
	}
}

func TestService_AdvanceStatus(t *testing.T) {
	svc, pub := newTestService()
	c := registerCase(t, svc, "Cough")

	if _, err := svc.StartTreatment(context.Background(), c.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := svc.AdvanceStatus(context.Background(), c.ID, StatusAdmitted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusAdmitted {
		t.Errorf("expected admitted, got %s", got.Status)
	}
	if _, err := svc.AdvanceStatus(context.Background(), c.ID, StatusWaiting); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	want := []string{events.CaseRegistered, events.CaseStatusChanged, events.CaseStatusChanged}
	got2 := pub.types()
	if strings.Join(got2, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, got2)
	}
}

func TestService_Reopen(t *testing.T) {
	svc, pub := newTestService()
	c := registerCase(t, svc, "Cough")
	svc.AssignDoctor(context.Background(), c.ID, "Dr. Michael Chen")
	svc.AdvanceStatus(context.Background(), c.ID, StatusDischarged)

	got, err := svc.Reopen(context.Background(), c.ID, "Dr. Robert Martinez")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusInTreatment || got.AssignedDoctor != "Dr. Robert Martinez" {
		t.Errorf("unexpected case %+v", got)
	}
	if pub.last().Type != events.CaseReopened {
		t.Errorf("expected reopened event, got %s", pub.last().Type)
	}

	if _, err := svc.Reopen(context.Background(), c.ID, "Dr. Nobody"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown doctor, got %v", err)
	}
}

func TestService_UpdateNotes(t *testing.T) {
	svc, pub := newTestService()
	c := registerCase(t, svc, "Cough")
	got, err := svc.UpdateNotes(userCtx("dr-smith"), c.ID, "CT scan ordered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Notes != "CT scan ordered" {
		t.Errorf("unexpected notes %q", got.Notes)
	}
	if e := pub.last(); e.Type != events.CaseNotesUpdated || e.Actor != "dr-smith" {
		t.Errorf("expected notes event by dr-smith, got %+v", e)
	}
	if h, _ := svc.History(context.Background(), c.ID); len(h) != 1 {
		t.Errorf("notes edit must not add a status change, got %d entries", len(h))
	}
	if _, err := svc.UpdateNotes(context.Background(), uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_PublishFailureDoesNotFailOperation(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	svc := NewService(NewQueue(), testDirectory(), WithPublisher(pub), WithLogger(zerolog.New(&buf)))

	c := registerCase(t, svc, "Cough")
	if _, err := svc.GetCase(context.Background(), c.ID); err != nil {
		t.Fatalf("case should be registered despite publish failure: %v", err)
	}
	if !strings.Contains(buf.String(), "failed to publish case event") {
		t.Errorf("expected a warning log, got %q", buf.String())
	}
}

// =========== Reads ===========

func TestService_CheckSymptoms(t *testing.T) {
	svc, pub := newTestService()
	before := svc.Summary(context.Background()).Total

	a, err := svc.CheckSymptoms(context.Background(), []string{"Dizziness", "Chest pain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.SuggestedDepartment != "Cardiology" || a.UrgencyLevel != UrgencyEmergency || !a.ShouldSeekImmediate {
		t.Errorf("unexpected analysis %+v", a)
	}
	if got := svc.Summary(context.Background()).Total; got != before {
		t.Errorf("symptom check must not add cases, total %d -> %d", before, got)
	}
	if n := len(pub.types()); n != 0 {
		t.Errorf("symptom check must not publish events, got %d", n)
	}

	cats := svc.SymptomCategories(context.Background())
	if len(cats) != 4 || cats[0].Department != "Cardiology" {
		t.Errorf("unexpected categories %+v", cats)
	}
	cats[0].Department = "changed"
	if svc.SymptomCategories(context.Background())[0].Department != "Cardiology" {
		t.Error("expected categories to be returned as a copy")
	}
}

func TestService_Reads(t *testing.T) {
	svc, _ := newTestService()
	crit := registerCase(t, svc, "Chest pain")
	norm := registerCase(t, svc, "Cough")

	if got := svc.ListCases(context.Background(), PriorityFilter(PriorityNormal)); len(got) != 1 || got[0].ID != norm.ID {
		t.Errorf("unexpected normal list %v", got)
	}
	if got := svc.ActiveCases(context.Background()); len(got) != 2 {
		t.Errorf("expected 2 active, got %d", len(got))
	}
	if s := svc.Summary(context.Background()); s.ActiveCritical != 1 || s.ActiveNormal != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
	live, err := svc.LiveWaitTime(context.Background(), norm.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if live != 30+DefaultServiceMinutes {
		t.Errorf("expected %d, got %d", 30+DefaultServiceMinutes, live)
	}
	if _, err := svc.GetCase(context.Background(), crit.ID); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if docs := svc.Doctors(context.Background()); len(docs) != 2 {
		t.Errorf("expected 2 doctors, got %d", len(docs))
	}
}
