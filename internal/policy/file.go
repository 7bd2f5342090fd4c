// Package policy loads per-salon cooldown policies from a YAML file.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"salon-waitlist/internal/models"
)

type key struct {
	salon   string
	service string
}

// File resolves cooldown policies from a parsed policy file. It is read-only
// after Load and safe for concurrent use.
type File struct {
	byKey map[key]models.PolicyOverride
}

type document struct {
	Policies []models.PolicyOverride `yaml:"policies"`
}

// Load reads a policy file. Unknown fields are rejected.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a policy document.
func Parse(data []byte) (*File, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}

	f := &File{byKey: make(map[key]models.PolicyOverride, len(doc.Policies))}
	for i, p := range doc.Policies {
		if p.SalonID == "" {
			return nil, fmt.Errorf("policy %d: salon_id is required", i)
		}
		k := key{salon: p.SalonID, service: p.ServiceID}
		if _, dup := f.byKey[k]; dup {
			return nil, fmt.Errorf("policy %d: duplicate policy for salon=%s service=%q", i, p.SalonID, p.ServiceID)
		}
		f.byKey[k] = p
	}
	return f, nil
}

// ResolvePolicy returns the exact (salon, service) policy, falling back to
// the salon-wide one.
func (f *File) ResolvePolicy(_ context.Context, salonID, serviceID string) (models.PolicyOverride, bool, error) {
	if p, ok := f.byKey[key{salon: salonID, service: serviceID}]; ok {
		return p, true, nil
	}
	if p, ok := f.byKey[key{salon: salonID}]; ok {
		return p, true, nil
	}
	return models.PolicyOverride{}, false, nil
}

// Len reports how many policies were loaded.
func (f *File) Len() int {
	return len(f.byKey)
}
