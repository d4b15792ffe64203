package emergency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Directory resolves the patients and doctors that cases refer to. Patient
// and staff lifecycles live outside the triage queue.
type Directory interface {
	Patient(ctx context.Context, id string) (Patient, error)
	Doctor(ctx context.Context, name string) (Doctor, error)
	Doctors(ctx context.Context) []Doctor
}

// MemoryDirectory is a Directory backed by fixed in-memory lists.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[string]Patient
	doctors  map[string]Doctor // keyed by lower-cased name
}

// NewMemoryDirectory builds a directory from the given patients and doctors.
func NewMemoryDirectory(patients []Patient, doctors []Doctor) *MemoryDirectory {
	d := &MemoryDirectory{
		patients: make(map[string]Patient, len(patients)),
		doctors:  make(map[string]Doctor, len(doctors)),
	}
	for _, p := range patients {
		d.patients[p.ID] = p
	}
	for _, doc := range doctors {
		d.doctors[strings.ToLower(doc.Name)] = doc
	}
	return d
}

func (d *MemoryDirectory) Patient(_ context.Context, id string) (Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: patient %q", ErrNotFound, id)
	}
	return p, nil
}

// Doctor looks a doctor up by name, ignoring case.
func (d *MemoryDirectory) Doctor(_ context.Context, name string) (Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.doctors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Doctor{}, fmt.Errorf("%w: doctor %q", ErrNotFound, name)
	}
	return doc, nil
}

// Doctors returns the roster sorted by name.
func (d *MemoryDirectory) Doctors(_ context.Context) []Doctor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Doctor, 0, len(d.doctors))
	for _, doc := range d.doctors {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
