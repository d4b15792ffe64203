package emergency

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultServiceMinutes is the per-case service time LiveWaitTime assumes
// when no other value is configured.
const DefaultServiceMinutes = 10

// Queue is an in-memory triage queue. It exclusively owns the cases it holds
// and hands out copies. The ordered view is head-first: the most recently
// registered case comes first. Priority grouping happens at read time by
// filtering; the queue never reorders itself.
type Queue struct {
	mu             sync.RWMutex
	cases          []*EmergencyCase // head-first
	byID           map[uuid.UUID]*EmergencyCase
	history        map[uuid.UUID][]StatusChange
	now            func() time.Time
	serviceMinutes int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithServiceMinutes sets the per-case service time used by LiveWaitTime.
func WithServiceMinutes(m int) QueueOption {
	return func(q *Queue) {
		if m > 0 {
			q.serviceMinutes = m
		}
	}
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		byID:           make(map[uuid.UUID]*EmergencyCase),
		history:        make(map[uuid.UUID][]StatusChange),
		now:            time.Now,
		serviceMinutes: DefaultServiceMinutes,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register creates a waiting case at the head of the queue. Priority and the
// wait estimate are derived from the symptoms here and never recomputed.
func (q *Queue) Register(patientID, patientName string, symptoms []string, vitals VitalSigns, notes string) (EmergencyCase, error) {
	if strings.TrimSpace(patientID) == "" {
		return EmergencyCase{}, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}

	priority := ClassifyPriority(symptoms)

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	c := &EmergencyCase{
		ID:                uuid.New(),
		PatientID:         patientID,
		PatientName:       patientName,
		ArrivalTime:       now,
		Symptoms:          append([]string(nil), symptoms...),
		VitalSigns:        vitals,
		Priority:          priority,
		Status:            StatusWaiting,
		Notes:             notes,
		EstimatedWaitTime: EstimateWaitTime(priority),
		UpdatedAt:         now,
	}

	q.cases = append([]*EmergencyCase{c}, q.cases...)
	q.byID[c.ID] = c
	q.record(c.ID, "", StatusWaiting, "", "registered")
	return c.clone(), nil
}

// Seed loads pre-existing cases at the tail of the queue, keeping their
// priority, status and wait estimate as given. The batch is all or nothing:
// when any case is rejected the queue is left unchanged.
func (q *Queue) Seed(cases ...EmergencyCase) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*EmergencyCase, 0, len(cases))
	seen := make(map[uuid.UUID]bool, len(cases))
	for i := range cases {
		c := cases[i].clone()
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, dup := q.byID[c.ID]; dup || seen[c.ID] {
			return fmt.Errorf("%w: duplicate case id %s", ErrInvalidInput, c.ID)
		}
		if c.PatientID == "" {
			return fmt.Errorf("%w: case %s has no patient_id", ErrInvalidInput, c.ID)
		}
		if !c.Priority.Valid() {
			return fmt.Errorf("%w: case %s has invalid priority %q", ErrInvalidInput, c.ID, c.Priority)
		}
		status, err := ParseStatus(string(c.Status))
		if err != nil {
			return fmt.Errorf("case %s: %w", c.ID, err)
		}
		c.Status = status
		if c.ArrivalTime.IsZero() {
			c.ArrivalTime = q.now()
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = c.ArrivalTime
		}
		seen[c.ID] = true
		batch = append(batch, &c)
	}

	for _, c := range batch {
		q.cases = append(q.cases, c)
		q.byID[c.ID] = c
		q.record(c.ID, "", c.Status, "", "seeded")
	}
	return nil
}

// Get returns a copy of the case with the given id.
func (q *Queue) Get(id uuid.UUID) (EmergencyCase, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c, ok := q.byID[id]
	if !ok {
		return EmergencyCase{}, notFound(id)
	}
	return c.clone(), nil
}

// List returns every case in head-first order.
func (q *Queue) List() []EmergencyCase {
	return q.FilterByPriority(FilterAll)
}

// FilterByPriority returns the cases of one tier, in any status, or every case for FilterAll.
func (q *Queue) FilterByPriority(f PriorityFilter) []EmergencyCase {
	return q.collect(func(c *EmergencyCase) bool { return f.matches(c.Priority) })
}

// ActiveCases returns every case that has not been discharged.
func (q *Queue) ActiveCases() []EmergencyCase {
	return q.collect(func(c *EmergencyCase) bool { return !c.Status.Terminal() })
}

func (q *Queue) collect(keep func(*EmergencyCase) bool) []EmergencyCase {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]EmergencyCase, 0, len(q.cases))
	for _, c := range q.cases {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	return out
}

// AdvanceStatus moves a case to the next status. Only the transitions listed
// by CanTransition are accepted.
func (q *Queue) AdvanceStatus(id uuid.UUID, to Status, actor string) (EmergencyCase, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return EmergencyCase{}, notFound(id)
	}
	if !CanTransition(c.Status, to) {
		return EmergencyCase{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	q.setStatus(c, to, actor, "")
	return c.clone(), nil
}

// AssignDoctor records the doctor responsible for a case. Assigning a doctor
// to a waiting case also starts its treatment. A case keeps its first doctor;
// admitted and discharged cases must go through Reopen.
func (q *Queue) AssignDoctor(id uuid.UUID, doctor, actor string) (EmergencyCase, error) {
	doctor = strings.TrimSpace(doctor)
	if doctor == "" {
		return EmergencyCase{}, fmt.Errorf("%w: doctor is required", ErrInvalidInput)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return EmergencyCase{}, notFound(id)
	}
	if c.AssignedDoctor != "" {
		return EmergencyCase{}, fmt.Errorf("%w: %s", ErrAlreadyAssigned, c.AssignedDoctor)
	}
	switch c.Status {
	case StatusWaiting:
		c.AssignedDoctor = doctor
		q.setStatus(c, StatusInTreatment, actor, "assigned to "+doctor)
	case StatusInTreatment:
		c.AssignedDoctor = doctor
		c.UpdatedAt = q.now()
	default:
		return EmergencyCase{}, fmt.Errorf("%w: cannot assign a doctor to a %s case", ErrInvalidTransition, c.Status)
	}
	return c.clone(), nil
}

// Reopen returns an admitted or discharged case to treatment. A non-empty
// doctor replaces the one on record.
func (q *Queue) Reopen(id uuid.UUID, doctor, actor string) (EmergencyCase, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return EmergencyCase{}, notFound(id)
	}
	if c.Status != StatusAdmitted && c.Status != StatusDischarged {
		return EmergencyCase{}, fmt.Errorf("%w: only admitted or discharged cases can be reopened, case is %s", ErrInvalidTransition, c.Status)
	}
	if d := strings.TrimSpace(doctor); d != "" {
		c.AssignedDoctor = d
	}
	q.setStatus(c, StatusInTreatment, actor, "reopened")
	return c.clone(), nil
}

// UpdateNotes replaces the free-text notes of a case.
func (q *Queue) UpdateNotes(id uuid.UUID, notes string) (EmergencyCase, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return EmergencyCase{}, notFound(id)
	}
	c.Notes = notes
	c.UpdatedAt = q.now()
	return c.clone(), nil
}

// History returns the status changes of a case, oldest first.
func (q *Queue) History(id uuid.UUID) ([]StatusChange, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if _, ok := q.byID[id]; !ok {
		return nil, notFound(id)
	}
	return append([]StatusChange(nil), q.history[id]...), nil
}

// LiveWaitTime estimates the remaining wait of a case from its current queue
// position: the registration estimate plus one service slot for every waiting
// case ahead of it. Cases that are no longer waiting report zero.
func (q *Queue) LiveWaitTime(id uuid.UUID) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	c, ok := q.byID[id]
	if !ok {
		return 0, notFound(id)
	}
	if c.Status != StatusWaiting {
		return 0, nil
	}
	ahead := 0
	for _, other := range q.cases {
		if other.ID == c.ID || other.Status != StatusWaiting {
			continue
		}
		if aheadOf(other, c) {
			ahead++
		}
	}
	return EstimateWaitTime(c.Priority) + ahead*q.serviceMinutes, nil
}

func aheadOf(a, b *EmergencyCase) bool {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() < b.Priority.rank()
	}
	return a.ArrivalTime.Before(b.ArrivalTime)
}

// Summary counts cases by tier and status.
func (q *Queue) Summary() Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Summary{
		Total:      len(q.cases),
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	for _, c := range q.cases {
		s.ByStatus[c.Status]++
		s.ByPriority[c.Priority]++
		if c.Status.Terminal() {
			continue
		}
		s.Active++
		switch c.Priority {
		case PriorityCritical:
			s.ActiveCritical++
		case PriorityMedium:
			s.ActiveMedium++
		default:
			s.ActiveNormal++
		}
	}
	return s
}

// setStatus must be called with q.mu held.
func (q *Queue) setStatus(c *EmergencyCase, to Status, actor, note string) {
	from := c.Status
	c.Status = to
	c.UpdatedAt = q.now()
	q.record(c.ID, from, to, actor, note)
}

// record must be called with q.mu held.
func (q *Queue) record(id uuid.UUID, from, to Status, actor, note string) {
	q.history[id] = append(q.history[id], StatusChange{
		CaseID:    id,
		From:      from,
		To:        to,
		ChangedAt: q.now(),
		ChangedBy: actor,
		Note:      note,
	})
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: emergency case %s", ErrNotFound, id)
}
