package forge

import "fmt"

// State is the pipeline stage a document last entered. In a failed run it
// is the stage that failed; a document whose run has no publisher ends at
// [StateReferenced].
type State int

const (
	StateRaw State = iota
	StateAudited
	// StateGuarded and StateChunked are passed inside the refine stage,
	// so reports show StateRefined for a refinement failure.
	StateGuarded
	StateChunked
	StateRefined
	StateReassembled
	StateRepaired
	StateReferenced
	StatePublished
)

var stateNames = [...]string{
	StateRaw:         "RAW",
	StateAudited:     "AUDITED",
	StateGuarded:     "GUARDED",
	StateChunked:     "CHUNKED",
	StateRefined:     "REFINED",
	StateReassembled: "REASSEMBLED",
	StateRepaired:    "REPAIRED",
	StateReferenced:  "REFERENCED",
	StatePublished:   "PUBLISHED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name in reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("forge: unknown state %q", b)
}
