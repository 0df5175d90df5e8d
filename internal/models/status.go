package models

import (
	"encoding/json"
	"fmt"
)

// Status is the ride state as stored by the contract (uint8).
type Status uint8

const (
	StatusRequested Status = 0
	StatusAccepted  Status = 1
	StatusCompleted Status = 2
)

var statusNames = map[Status]string{
	StatusRequested: "requested",
	StatusAccepted:  "accepted",
	StatusCompleted: "completed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for k, v := range statusNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown ride status %q", name)
}

// ParseStatus converts the raw contract value, rejecting anything outside
// the known states.
func ParseStatus(raw uint8) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: unknown ride status %d", ErrEventDecode, raw)
	}
	return s, nil
}

// AllowedTransitions is the ride state flow. There are no back-edges and
// Completed is terminal.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusAccepted},
	StatusAccepted:  {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
