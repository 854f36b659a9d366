// Package params models the extracted search parameter values handed to the
// persistence core by the parameter-extraction layer. The core never
// interprets FHIRPath; it only stores what it is given.
package params

import "time"

// Kind identifies the parameter value table family a value belongs to.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindDate
	KindToken
	KindQuantity
	KindReference
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindToken:
		return "token"
	case KindQuantity:
		return "quantity"
	case KindReference:
		return "reference"
	case KindComposite:
		return "composite"
	}
	return "unknown"
}

// Value is one extracted search parameter value ready for storage.
type Value interface {
	Kind() Kind
	// Name returns the search parameter name (e.g. "code", "birthdate").
	Name() string
}

// StringValue maps to the str_values table.
type StringValue struct {
	ParamName string
	Value     string
}

func (v StringValue) Kind() Kind   { return KindString }
func (v StringValue) Name() string { return v.ParamName }

// NumberValue carries the pre-computed low/high bounds for range matching.
type NumberValue struct {
	ParamName string
	Value     float64
	Low       *float64
	High      *float64
}

func (v NumberValue) Kind() Kind   { return KindNumber }
func (v NumberValue) Name() string { return v.ParamName }

// DateValue carries the resolved period as [Start, End].
type DateValue struct {
	ParamName string
	Start     time.Time
	End       time.Time
}

func (v DateValue) Kind() Kind   { return KindDate }
func (v DateValue) Name() string { return v.ParamName }

// TokenValue is a system|code pair. System resolves to a code_systems row
// and the (system, code) pair to a common_token_values row before insert.
type TokenValue struct {
	ParamName string
	System    string
	Code      string
}

func (v TokenValue) Kind() Kind   { return KindToken }
func (v TokenValue) Name() string { return v.ParamName }

// QuantityValue is a token plus numeric bounds.
type QuantityValue struct {
	ParamName string
	System    string
	Code      string
	Value     float64
	Low       *float64
	High      *float64
}

func (v QuantityValue) Kind() Kind   { return KindQuantity }
func (v QuantityValue) Name() string { return v.ParamName }

// ReferenceValue points at another logical resource. Canonical references
// (URL form) resolve through the common_canonical_values dictionary.
type ReferenceValue struct {
	ParamName    string
	TargetType   string
	TargetID     string
	CanonicalURL string
}

func (v ReferenceValue) Kind() Kind   { return KindReference }
func (v ReferenceValue) Name() string { return v.ParamName }

// CompositeValue groups component values under one parameter. Components are
// stored in composite_components with their ordinal preserved.
type CompositeValue struct {
	ParamName  string
	Components []Value
}

func (v CompositeValue) Kind() Kind   { return KindComposite }
func (v CompositeValue) Name() string { return v.ParamName }
