package analyzers

import "encoding/json"

// ID tipe untuk Analyzer
type ID int64

// InputType enum for declared analyzer inputs
type InputType string

const (
	InputStr  InputType = "str"
	InputInt  InputType = "int"
	InputBool InputType = "bool"
)

// OutputType enum for declared analyzer outputs
type OutputType string

const (
	OutputInt   OutputType = "int"
	OutputRange OutputType = "range"
	OutputBool  OutputType = "bool"
	OutputStr   OutputType = "str"
	OutputDate  OutputType = "date"
)

// Valid reports whether t is a known input type.
func (t InputType) Valid() bool {
	switch t {
	case InputStr, InputInt, InputBool:
		return true
	}
	return false
}

// Valid reports whether t is a known output type.
func (t OutputType) Valid() bool {
	switch t {
	case OutputInt, OutputRange, OutputBool, OutputStr, OutputDate:
		return true
	}
	return false
}

// Input declares one metadata field the script expects to receive.
type Input struct {
	KeyName   string    `json:"key_name"`
	ValueType InputType `json:"value_type"`
}

// Output declares one field the script must produce.
type Output struct {
	KeyName          string          `json:"key_name"`
	ValueType        OutputType      `json:"value_type"`
	DisplayName      string          `json:"display_name,omitempty"`
	ExtendedMetadata json.RawMessage `json:"extended_metadata,omitempty"`
}

// Aggregate Root: Analyzer
type Analyzer struct {
	ID              ID       `json:"id"`
	Name            string   `json:"name"`
	Creator         string   `json:"creator,omitempty"`
	Description     string   `json:"description,omitempty"`
	HasScript       bool     `json:"has_script"`
	HasRequirements bool     `json:"has_requirements"`
	Inputs          []Input  `json:"inputs"`
	Outputs         []Output `json:"outputs"`
}

// InputKeys returns the declared input key names as a set.
func (a *Analyzer) InputKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(a.Inputs))
	for _, in := range a.Inputs {
		keys[in.KeyName] = struct{}{}
	}
	return keys
}

// RangeBounds is the extended metadata shape of a range output.
type RangeBounds struct {
	From *float64 `json:"fromRange"`
	To   *float64 `json:"toRange"`
}

// Bounds decodes range bounds from the extended metadata. ok is false when
// the metadata is absent or carries no bounds.
func (o Output) Bounds() (RangeBounds, bool) {
	var b RangeBounds
	if len(o.ExtendedMetadata) == 0 {
		return b, false
	}
	if err := json.Unmarshal(o.ExtendedMetadata, &b); err != nil {
		return RangeBounds{}, false
	}
	return b, b.From != nil || b.To != nil
}
