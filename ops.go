package mergetree

import (
	"encoding/json"
	"fmt"
)

// OpType identifies a merge op.
type OpType int

const (
	// OpInsert inserts a text run or a marker at a position.
	OpInsert OpType = iota

	// OpRemove tombstones a range.
	OpRemove

	// OpAnnotate writes properties over a range.
	OpAnnotate

	// OpGroup carries a batch of sub-ops applied atomically in order,
	// sharing one sequence number.
	OpGroup
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpAnnotate:
		return "annotate"
	case OpGroup:
		return "group"
	}
	return fmt.Sprintf("optype(%d)", int(t))
}

// MarkerSpec describes a marker insert on the wire.
type MarkerSpec struct {
	RefType ReferenceType `json:"refType"`
}

// Op is one edit expressed in the coordinates of its author's perspective.
// Which fields are meaningful depends on Type: inserts use Pos1 and either
// Text or Marker, removes use [Pos1,Pos2), annotates use [Pos1,Pos2) plus
// Props and Combine, groups use Ops.
type Op struct {
	Type    OpType      `json:"type"`
	Pos1    int         `json:"pos1"`
	Pos2    int         `json:"pos2,omitempty"`
	Text    string      `json:"text,omitempty"`
	Marker  *MarkerSpec `json:"marker,omitempty"`
	Props   PropertySet `json:"props,omitempty"`
	Combine CombiningOp `json:"combine,omitempty"`
	Ops     []Op        `json:"ops,omitempty"`
}

// Validate checks structural well-formedness. Position bounds are checked
// against the applying perspective later; a malformed op never touches the
// tree.
func (o *Op) Validate() error {
	switch o.Type {
	case OpInsert:
		if o.Pos1 < 0 {
			return fmt.Errorf("%w: insert at negative position %d", ErrMalformedOp, o.Pos1)
		}
		if (o.Text == "") == (o.Marker == nil) {
			return fmt.Errorf("%w: insert needs exactly one of text or marker", ErrMalformedOp)
		}
	case OpRemove:
		if o.Pos1 < 0 || o.Pos2 <= o.Pos1 {
			return fmt.Errorf("%w: remove range [%d,%d)", ErrMalformedOp, o.Pos1, o.Pos2)
		}
	case OpAnnotate:
		if o.Pos1 < 0 || o.Pos2 <= o.Pos1 {
			return fmt.Errorf("%w: annotate range [%d,%d)", ErrMalformedOp, o.Pos1, o.Pos2)
		}
		if len(o.Props) == 0 {
			return fmt.Errorf("%w: annotate with no properties", ErrMalformedOp)
		}
	case OpGroup:
		if len(o.Ops) == 0 {
			return fmt.Errorf("%w: empty op group", ErrMalformedOp)
		}
		for i := range o.Ops {
			if o.Ops[i].Type == OpGroup {
				return fmt.Errorf("%w: nested op group", ErrMalformedOp)
			}
			if err := o.Ops[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown op type %d", ErrMalformedOp, int(o.Type))
	}
	return nil
}

// OpEnvelope is an op together with its routing and ordering metadata. A
// client submits an envelope with Seq and MinSeq unset; the ordering
// service assigns them and broadcasts the stamped envelope to every client,
// the author included.
type OpEnvelope struct {
	ClientID  int `json:"clientId"`
	ClientSeq int `json:"clientSeq"`
	RefSeq    int `json:"refSeq"`
	Seq       int `json:"seq"`
	MinSeq    int `json:"minSeq"`
	Op        Op  `json:"op"`
}

// EncodeOp serializes an envelope for the wire or a snapshot op trailer.
func EncodeOp(env *OpEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeOp deserializes an envelope and validates its op.
func DecodeOp(data []byte) (*OpEnvelope, error) {
	var env OpEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}
	if err := env.Op.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
