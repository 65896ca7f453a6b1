//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import "errors"

// ErrNoOutcomeRecorded marks a unit that never reported before aggregation.
var ErrNoOutcomeRecorded = errors.New("no outcome recorded for unit")

// Outcome is the result of one unit of work. UnitID ties it back to the unit
// that produced it; aggregators never rely on list position.
type Outcome struct {
	UnitID   string  `json:"unit_id"`
	Target   string  `json:"target"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Artifact *string `json:"artifact,omitempty"`
}

// HasArtifact reports whether the unit produced a file to collect.
func (o Outcome) HasArtifact() bool {
	return o.Artifact != nil && *o.Artifact != ""
}

// OutcomeList is either a single Outcome or many. Aggregators accept it and
// call Normalize once at their entry point.
type OutcomeList interface {
	normalize() []Outcome
}

// SingleOutcome wraps one Outcome.
type SingleOutcome struct {
	Outcome Outcome
}

// ManyOutcomes wraps a list of Outcomes.
type ManyOutcomes []Outcome

func (s SingleOutcome) normalize() []Outcome { return []Outcome{s.Outcome} }

func (m ManyOutcomes) normalize() []Outcome {
	out := make([]Outcome, len(m))
	copy(out, m)
	return out
}

// Normalize flattens any OutcomeList into a slice. A nil list yields nil.
func Normalize(l OutcomeList) []Outcome {
	if l == nil {
		return nil
	}
	return l.normalize()
}

// OutcomesOf builds the list shape a caller would naturally produce: a single
// outcome for one unit, many otherwise.
func OutcomesOf(outcomes []Outcome) OutcomeList {
	if len(outcomes) == 1 {
		return SingleOutcome{Outcome: outcomes[0]}
	}
	return ManyOutcomes(outcomes)
}

// OutcomeSummary is the stable aggregator contract.
type OutcomeSummary struct {
	Total        int `json:"total"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

// MatchOutcomes pairs every unit with its outcome by UnitID, in unit order.
// Units without an outcome are reported as failed with ErrNoOutcomeRecorded.
// Outcomes for unknown units are ignored.
func MatchOutcomes(units []WorkflowUnit, outcomes []Outcome) []Outcome {
	byID := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		if _, dup := byID[o.UnitID]; dup {
			continue
		}
		byID[o.UnitID] = o
	}

	matched := make([]Outcome, 0, len(units))
	for _, u := range units {
		o, ok := byID[u.UnitID]
		if !ok {
			o = Outcome{
				UnitID:  u.UnitID,
				Target:  u.Target,
				Success: false,
				Error:   ErrNoOutcomeRecorded.Error(),
			}
		}
		if o.Target == "" {
			o.Target = u.Target
		}
		matched = append(matched, o)
	}
	return matched
}

// Summarize partitions outcomes on their success flag.
func Summarize(outcomes []Outcome) OutcomeSummary {
	s := OutcomeSummary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
	}
	return s
}
