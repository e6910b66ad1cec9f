package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dutybot/internal/domain"
)

var weekdayAliases = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ParseWeekday maps a lowercase-insensitive weekday name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, error) {
	wd, ok := weekdayAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", name)
	}
	return wd, nil
}

// Directory is the read-only contact directory: contacts by key, the
// weekday rota, and the on-call identifier index.
type Directory struct {
	byKey      map[string]domain.Contact
	byOnCallID map[string]domain.Contact
	rota       map[time.Weekday]domain.Contact
	ordered    []domain.Contact
}

// BuildDirectory assembles a Directory from raw config entries. Schedule
// values must reference existing contact keys.
func BuildDirectory(contacts map[string]ContactEntry, schedule map[string]string) (*Directory, error) {
	d := &Directory{
		byKey:      make(map[string]domain.Contact),
		byOnCallID: make(map[string]domain.Contact),
		rota:       make(map[time.Weekday]domain.Contact),
	}

	keys := make([]string, 0, len(contacts))
	for key := range contacts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := contacts[key]
		if entry.Handle == "" {
			return nil, fmt.Errorf("contact %q has no handle", key)
		}
		c := domain.Contact{
			Key:      key,
			Handle:   entry.Handle,
			FullName: entry.FullName,
			OnCallID: entry.OnCallID,
		}
		d.byKey[key] = c
		d.ordered = append(d.ordered, c)
		if c.OnCallID != "" {
			d.byOnCallID[strings.ToLower(c.OnCallID)] = c
		}
	}

	for dayName, contactKey := range schedule {
		wd, err := ParseWeekday(dayName)
		if err != nil {
			return nil, err
		}
		c, ok := d.byKey[contactKey]
		if !ok {
			return nil, fmt.Errorf("schedule for %s references unknown contact %q", dayName, contactKey)
		}
		d.rota[wd] = c
	}

	return d, nil
}

// ByKey returns the contact for a config key.
func (d *Directory) ByKey(key string) (domain.Contact, bool) {
	c, ok := d.byKey[key]
	return c, ok
}

// ByOnCallID maps an on-call system identifier to a contact.
// Matching is case-insensitive.
func (d *Directory) ByOnCallID(id string) (domain.Contact, bool) {
	c, ok := d.byOnCallID[strings.ToLower(id)]
	return c, ok
}

// ForWeekday returns the rota contact for a weekday, if configured.
func (d *Directory) ForWeekday(wd time.Weekday) (domain.Contact, bool) {
	c, ok := d.rota[wd]
	return c, ok
}

// All returns every contact in key order.
func (d *Directory) All() []domain.Contact {
	return d.ordered
}

// directoryFile is the YAML shape of an external contacts file.
type directoryFile struct {
	Contacts map[string]ContactEntry `yaml:"contacts"`
	Schedule map[string]string       `yaml:"schedule"`
}

func loadDirectoryFile(path string) (map[string]ContactEntry, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("cannot parse YAML: %w", err)
	}
	if len(file.Contacts) == 0 {
		return nil, nil, fmt.Errorf("no contacts defined")
	}
	return file.Contacts, file.Schedule, nil
}
