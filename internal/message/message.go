// Package message defines the wire contract shared by every node in the
// federation: the envelope type exchanged over the transport, its typed
// message kinds, and JSON (de)serialization.
//
// Every message carries the same envelope shape regardless of type (§4.4 of
// the design). Handlers switch on Type rather than on a Go interface
// hierarchy, per the "polymorphism over message types" note: one tagged
// struct, one discriminant field.
package message

import (
	"encoding/json"
	"fmt"
)

// Type is the discriminant carried by every envelope.
type Type string

const (
	TypeIncrementRequest Type = "INCREMENT_REQUEST"
	TypePropose          Type = "PROPOSE"
	TypeVote             Type = "VOTE"
	TypeCommit           Type = "COMMIT"
	TypeRecoveryRequest  Type = "RECOVERY_REQUEST"
	TypeRecoveryResponse Type = "RECOVERY_RESPONSE"
)

// Broadcast is the sentinel TargetNodeID for messages addressed to every
// peer rather than one specific node.
const Broadcast = "broadcast"

// Accept/Reject name the two vote decisions. On the wire a VOTE carries the
// decision as Metadata["accept"] = "true" or "false" (see NewVote).
const (
	VoteAccept = "ACCEPT"
	VoteReject = "REJECT"
)

// Envelope is the single message shape exchanged between nodes. Fields that
// don't apply to a given Type are left at their zero value and serialize as
// JSON null (ProposalID, ProposedValue) or are simply absent from Metadata.
type Envelope struct {
	Type           Type              `json:"type"`
	SourceNodeID   string            `json:"sourceNodeId"`
	TargetNodeID   string            `json:"targetNodeId"`
	ProposedValue  *uint64           `json:"proposedValue"`
	ProposalID     *string           `json:"proposalId"`
	Metadata       map[string]string `json:"metadata"`
}

// Encode renders the envelope as its canonical JSON form.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("message: encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a JSON envelope, ignoring unknown keys per §6. A missing or
// unrecognized Type is reported via ErrMalformed so the caller can apply the
// "dropped with a WARN log entry" policy from §7.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !e.Type.valid() {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	return e, nil
}

func (t Type) valid() bool {
	switch t {
	case TypeIncrementRequest, TypePropose, TypeVote, TypeCommit, TypeRecoveryRequest, TypeRecoveryResponse:
		return true
	default:
		return false
	}
}

// Accepted reports the decision carried in a VOTE envelope's metadata.
func (e Envelope) Accepted() bool {
	return e.Metadata["accept"] == "true"
}

// Value returns ProposedValue, or 0 if absent. Most call sites already know
// from Type whether the field is meaningful.
func (e Envelope) Value() uint64 {
	if e.ProposedValue == nil {
		return 0
	}
	return *e.ProposedValue
}

// Proposal returns ProposalID, or "" if absent.
func (e Envelope) Proposal() string {
	if e.ProposalID == nil {
		return ""
	}
	return *e.ProposalID
}

func withValue(v uint64) *uint64 { return &v }
func withID(id string) *string   { return &id }

// NewPropose builds a PROPOSE broadcast.
func NewPropose(source, proposalID string, value uint64) Envelope {
	return Envelope{
		Type:          TypePropose,
		SourceNodeID:  source,
		TargetNodeID:  Broadcast,
		ProposalID:    withID(proposalID),
		ProposedValue: withValue(value),
	}
}

// NewVote builds a VOTE targeted at the proposer.
func NewVote(source, target, proposalID string, accept bool) Envelope {
	decision := "false"
	if accept {
		decision = "true"
	}
	return Envelope{
		Type:         TypeVote,
		SourceNodeID: source,
		TargetNodeID: target,
		ProposalID:   withID(proposalID),
		Metadata:     map[string]string{"accept": decision},
	}
}

// NewCommit builds a COMMIT broadcast.
func NewCommit(source, proposalID string, value uint64) Envelope {
	return Envelope{
		Type:          TypeCommit,
		SourceNodeID:  source,
		TargetNodeID:  Broadcast,
		ProposalID:    withID(proposalID),
		ProposedValue: withValue(value),
	}
}

// NewRecoveryRequest builds a RECOVERY_REQUEST broadcast.
func NewRecoveryRequest(source string) Envelope {
	return Envelope{
		Type:         TypeRecoveryRequest,
		SourceNodeID: source,
		TargetNodeID: Broadcast,
	}
}

// NewRecoveryResponse builds a RECOVERY_RESPONSE carrying the responder's
// current count in ProposedValue, per §4.4.
func NewRecoveryResponse(source, target string, count uint64) Envelope {
	return Envelope{
		Type:          TypeRecoveryResponse,
		SourceNodeID:  source,
		TargetNodeID:  target,
		ProposedValue: withValue(count),
	}
}

// NewIncrementRequest builds the trigger-originated request. It has no
// payload beyond its envelope identity.
func NewIncrementRequest(target string) Envelope {
	return Envelope{
		Type:         TypeIncrementRequest,
		TargetNodeID: target,
	}
}
