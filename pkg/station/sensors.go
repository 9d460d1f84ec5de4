package station

import (
	"sort"
	"strings"
)

var DefaultAllowedSensors = []string{"DEADBEEF", "BEEFCACE", "BADDCAFE"}

// SensorSet is the set of sensor identifiers allowed to submit measurements.
// Identifiers are compared exactly.
type SensorSet map[string]struct{}

func NewSensorSet(ids ...string) SensorSet {
	set := make(SensorSet, len(ids))

	for _, id := range ids {
		set.Add(id)
	}

	return set
}

func (s SensorSet) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	s[id] = struct{}{}
}

func (s SensorSet) Contains(id string) bool {
	_, found := s[id]
	return found
}

func (s SensorSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
