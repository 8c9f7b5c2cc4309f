package round

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("round: invalid task input")
	ErrInvalidOutput   = errors.New("round: invalid task output")
	ErrInvalidOperator = errors.New("round: invalid requirement operator")
)

const (
	SourceLink = "LINK"
	SourceIPFS = "IPFS"
)

// Input is either a direct link or a content-addressed hash.
type Input struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Hash string `json:"hash,omitempty"`
}

func LinkInput(url string) Input { return Input{Type: SourceLink, URL: url} }

func IPFSInput(hash string) Input { return Input{Type: SourceIPFS, Hash: hash} }

func (in Input) ContentAddressed() bool { return in.Type == SourceIPFS }

func (in Input) Validate() error {
	switch in.Type {
	case SourceLink:
		if in.URL == "" || in.Hash != "" {
			return fmt.Errorf("%w: LINK needs url only", ErrInvalidInput)
		}
	case SourceIPFS:
		if in.Hash == "" || in.URL != "" {
			return fmt.Errorf("%w: IPFS needs hash only", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidInput, in.Type)
	}
	return nil
}

func (in Input) String() string {
	if in.Type == SourceIPFS {
		return "ipfs:" + in.Hash
	}
	return in.URL
}

// Output describes where results go. IPFS outputs carry no address until
// the executor produces one.
type Output struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

func (out Output) Validate() error {
	switch out.Type {
	case SourceIPFS:
		if out.URL != "" {
			return fmt.Errorf("%w: IPFS output takes no url", ErrInvalidOutput)
		}
	case SourceLink:
		if out.URL == "" {
			return fmt.Errorf("%w: LINK output needs url", ErrInvalidOutput)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOutput, out.Type)
	}
	return nil
}

type Operator string

const (
	OpEqual              Operator = "EQUAL"
	OpNotEqual           Operator = "NOT_EQUAL"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
)

func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return true
	}
	return false
}

// Requirement constrains a named numeric property of the executing machine.
type Requirement struct {
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Value    uint64   `json:"value"`
}

// Satisfied reports whether actual <op> Value holds.
func (r Requirement) Satisfied(actual uint64) bool {
	switch r.Operator {
	case OpEqual:
		return actual == r.Value
	case OpNotEqual:
		return actual != r.Value
	case OpGreaterThan:
		return actual > r.Value
	case OpGreaterThanOrEqual:
		return actual >= r.Value
	case OpLessThan:
		return actual < r.Value
	case OpLessThanOrEqual:
		return actual <= r.Value
	}
	return false
}

func (r Requirement) Validate() error {
	if r.Property == "" {
		return fmt.Errorf("%w: empty property", ErrInvalidOperator)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperator, r.Operator)
	}
	return nil
}

// Properties are the numeric facts an executor advertises about itself.
type Properties map[string]uint64

// SatisfiesAll is false if any requirement names a property absent from props.
func (props Properties) SatisfiesAll(reqs []Requirement) bool {
	for _, r := range reqs {
		v, ok := props[r.Property]
		if !ok || !r.Satisfied(v) {
			return false
		}
	}
	return true
}

type Offer struct {
	Bounty       uint64        `json:"bounty"`
	Requirements []Requirement `json:"requirements,omitempty"`
}

func (o Offer) Eligible(props Properties) bool {
	return props.SatisfiesAll(o.Requirements)
}

// TaskSpec is what a publisher submits. Config is the loosely typed form;
// the ledger encodes it through the handler registered for Type.
type TaskSpec struct {
	Input        Input         `json:"input"`
	Output       Output        `json:"output"`
	Requirements []Requirement `json:"requirements"`
	Offers       []Offer       `json:"offers"`
	Type         string        `json:"type"`
	Config       any           `json:"config"`
}

func (s TaskSpec) Validate() error {
	if s.Type == "" {
		return errors.New("round: task type is required")
	}
	if err := s.Input.Validate(); err != nil {
		return err
	}
	if err := s.Output.Validate(); err != nil {
		return err
	}
	for _, r := range s.Requirements {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for _, o := range s.Offers {
		for _, r := range o.Requirements {
			if err := r.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// TaskRecord is the immutable record stored in the ledger at publish time.
// Config holds the durable encoding produced by the type's handler.
type TaskRecord struct {
	ID           TaskID        `json:"id"`
	Owner        string        `json:"owner"`
	Input        Input         `json:"input"`
	Output       Output        `json:"output"`
	Requirements []Requirement `json:"requirements"`
	Offers       []Offer       `json:"offers"`
	Type         string        `json:"type"`
	Config       []byte        `json:"config"`
}

// Eligible reports whether props satisfy the task requirements and at least
// one offer, returning the highest-bounty offer that applies.
func (r TaskRecord) Eligible(props Properties) (Offer, bool) {
	if !props.SatisfiesAll(r.Requirements) {
		return Offer{}, false
	}
	var best Offer
	found := false
	for _, o := range r.Offers {
		if o.Eligible(props) && (!found || o.Bounty > best.Bounty) {
			best, found = o, true
		}
	}
	return best, found
}
