// Package blueprint implements the blueprint lifecycle engine: resource and
// child registration, the create/update/day-2/destroy state machine, and the
// document round trip that turns the resource graph into REF=<id> tokens and
// back.
package blueprint

import (
	"encoding/json"
	"time"

	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/provider"
)

// Phase is the lifecycle phase of a blueprint instance.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDeploying     Phase = "deploying"
	PhaseRunningDayTwo Phase = "running-day2-op"
	PhaseDestroying    Phase = "destroying"
)

// Status is the persisted lifecycle status. Error is orthogonal to Phase.
type Status struct {
	Phase  Phase  `json:"phase"`
	Error  bool   `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// RegisteredResource is the persisted form of one registered resource.
type RegisteredResource struct {
	Type  domain.Kind     `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Document is the persisted envelope of a blueprint instance, stored as one
// document per ID in the blueprints collection.
type Document struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Version         int64    `json:"version"`
	ParentBlueID    string   `json:"parent_blue_id,omitempty"`
	ChildrenBlueIDs []string `json:"children_blue_ids"`

	RegisteredResources map[string]RegisteredResource `json:"registered_resources"`

	StateType        string          `json:"state_type"`
	State            json.RawMessage `json:"state"`
	CreateConfigType string          `json:"create_config_type,omitempty"`
	CreateConfig     json.RawMessage `json:"create_config"`

	provider.DataAggregate

	Status    Status `json:"status"`
	Corrupted bool   `json:"corrupted"`
	Protected bool   `json:"protected"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Summary is the listing view of a document.
type Summary struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	ParentBlueID string    `json:"parent_blue_id,omitempty"`
	Status       Status    `json:"status"`
	Corrupted    bool      `json:"corrupted"`
	Protected    bool      `json:"protected"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// Summarize returns the listing view of d.
func (d *Document) Summarize() Summary {
	return Summary{
		ID:           d.ID,
		Type:         d.Type,
		ParentBlueID: d.ParentBlueID,
		Status:       d.Status,
		Corrupted:    d.Corrupted,
		Protected:    d.Protected,
		ModifiedAt:   d.ModifiedAt,
	}
}

// Referencer is implemented by states that point at registered resources.
type Referencer interface {
	References() []domain.Reference
}

// Validator is implemented by states and create configs with invariants
// beyond what JSON decoding checks.
type Validator interface {
	Validate() error
}
