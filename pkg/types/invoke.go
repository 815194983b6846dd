package types

import (
	"fmt"
	"math"
)

// ParamType is the type tag carried by every Invoke parameter.
type ParamType string

const (
	// ParamString carries a string value.
	ParamString ParamType = "string"
	// ParamInt carries an int64 value.
	ParamInt ParamType = "int"
	// ParamFloat carries a float64 value.
	ParamFloat ParamType = "float"
	// ParamBool carries a bool value.
	ParamBool ParamType = "bool"
	// ParamBytes carries a []byte value.
	ParamBytes ParamType = "bytes"
)

// Reserved parameter names and listeners used by the framework itself.
const (
	// ParamInvokeID correlates a request with its completion report.
	ParamInvokeID = "_invoke_id"
	// ParamSegmentStart is the inclusive start of a dispatched sub-range.
	ParamSegmentStart = "_segment_start"
	// ParamSegmentEnd is the exclusive end of a dispatched sub-range.
	ParamSegmentEnd = "_segment_end"
	// ParamError carries a handler failure inside a completion report.
	ParamError = "_error"
	// ParamNode carries the node name of a slave in its role announcement.
	ParamNode = "_node"

	// ListenerReport is the listener of a completion report.
	ListenerReport = "_report_invoke"
	// ListenerRegisterRoles is sent by a peer to announce the roles it implements.
	ListenerRegisterRoles = "_register_roles"
)

// Parameter is one typed, optionally named, element of an Invoke.
type Parameter struct {
	Name  string
	Type  ParamType
	Value any
}

// StringParam creates a string parameter.
func StringParam(v string) Parameter { return Parameter{Type: ParamString, Value: v} }

// IntParam creates an int parameter.
func IntParam(v int64) Parameter { return Parameter{Type: ParamInt, Value: v} }

// FloatParam creates a float parameter.
func FloatParam(v float64) Parameter { return Parameter{Type: ParamFloat, Value: v} }

// BoolParam creates a bool parameter.
func BoolParam(v bool) Parameter { return Parameter{Type: ParamBool, Value: v} }

// BytesParam creates a bytes parameter.
func BytesParam(v []byte) Parameter { return Parameter{Type: ParamBytes, Value: v} }

// WithName returns a copy of the parameter carrying the given name.
func (p Parameter) WithName(name string) Parameter {
	p.Name = name
	return p
}

// ParamOf converts a Go value into a typed parameter.
func ParamOf(v any) (Parameter, error) {
	switch x := v.(type) {
	case Parameter:
		return x, nil
	case string:
		return StringParam(x), nil
	case int:
		return IntParam(int64(x)), nil
	case int8:
		return IntParam(int64(x)), nil
	case int16:
		return IntParam(int64(x)), nil
	case int32:
		return IntParam(int64(x)), nil
	case int64:
		return IntParam(x), nil
	case uint8:
		return IntParam(int64(x)), nil
	case uint16:
		return IntParam(int64(x)), nil
	case uint32:
		return IntParam(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Parameter{}, fmt.Errorf("uint64 value %d overflows int parameter", x)
		}
		return IntParam(int64(x)), nil
	case float32:
		return FloatParam(float64(x)), nil
	case float64:
		return FloatParam(x), nil
	case bool:
		return BoolParam(x), nil
	case []byte:
		return BytesParam(x), nil
	default:
		return Parameter{}, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// Invoke is a named remote call plus its ordered, typed parameters.
type Invoke struct {
	Listener   string
	Parameters []Parameter
}

// NewInvoke creates an Invoke for the given listener.
func NewInvoke(listener string, params ...Parameter) *Invoke {
	return &Invoke{Listener: listener, Parameters: params}
}

// NewInvokeOf creates an Invoke converting each value with ParamOf.
func NewInvokeOf(listener string, values ...any) (*Invoke, error) {
	inv := &Invoke{Listener: listener, Parameters: make([]Parameter, 0, len(values))}
	for i, v := range values {
		p, err := ParamOf(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		inv.Parameters = append(inv.Parameters, p)
	}
	return inv, nil
}

// NewReport creates a completion report for the given invocation id.
func NewReport(id uint64, params ...Parameter) *Invoke {
	inv := NewInvoke(ListenerReport, params...)
	inv.Set(IntParam(int64(id)).WithName(ParamInvokeID))
	return inv
}

// Clone returns a copy whose parameter slice can be modified independently.
func (inv *Invoke) Clone() *Invoke {
	params := make([]Parameter, len(inv.Parameters))
	copy(params, inv.Parameters)
	return &Invoke{Listener: inv.Listener, Parameters: params}
}

// Len returns the number of parameters.
func (inv *Invoke) Len() int { return len(inv.Parameters) }

// At returns the parameter at index i.
func (inv *Invoke) At(i int) (Parameter, error) {
	if i < 0 || i >= len(inv.Parameters) {
		return Parameter{}, fmt.Errorf("%s: parameter index %d out of range [0, %d)", inv.Listener, i, len(inv.Parameters))
	}
	return inv.Parameters[i], nil
}

// valueAs returns the value of p as T after checking its tag. Parameters
// built by hand may carry a tag that does not match the Go value.
func valueAs[T any](p Parameter, t ParamType) (T, error) {
	var zero T
	if p.Type != t {
		return zero, fmt.Errorf("parameter %q is %s, not %s", p.Name, p.Type, t)
	}
	v, ok := p.Value.(T)
	if !ok {
		return zero, fmt.Errorf("parameter %q tagged %s holds %T", p.Name, p.Type, p.Value)
	}
	return v, nil
}

func typedAt[T any](inv *Invoke, i int, t ParamType) (T, error) {
	p, err := inv.At(i)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := valueAs[T](p, t)
	if err != nil {
		return v, fmt.Errorf("%s: index %d: %w", inv.Listener, i, err)
	}
	return v, nil
}

// Int returns the value of an int parameter.
func (p Parameter) Int() (int64, error) { return valueAs[int64](p, ParamInt) }

// StringAt returns the string parameter at index i.
func (inv *Invoke) StringAt(i int) (string, error) { return typedAt[string](inv, i, ParamString) }

// IntAt returns the int parameter at index i.
func (inv *Invoke) IntAt(i int) (int64, error) { return typedAt[int64](inv, i, ParamInt) }

// FloatAt returns the float parameter at index i.
func (inv *Invoke) FloatAt(i int) (float64, error) { return typedAt[float64](inv, i, ParamFloat) }

// BoolAt returns the bool parameter at index i.
func (inv *Invoke) BoolAt(i int) (bool, error) { return typedAt[bool](inv, i, ParamBool) }

// BytesAt returns the bytes parameter at index i.
func (inv *Invoke) BytesAt(i int) ([]byte, error) { return typedAt[[]byte](inv, i, ParamBytes) }

// Param returns the first parameter with the given name.
func (inv *Invoke) Param(name string) (Parameter, bool) {
	for _, p := range inv.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Set replaces the parameter with the same name, or appends it.
func (inv *Invoke) Set(p Parameter) {
	for i := range inv.Parameters {
		if p.Name != "" && inv.Parameters[i].Name == p.Name {
			inv.Parameters[i] = p
			return
		}
	}
	inv.Parameters = append(inv.Parameters, p)
}

// Args returns the parameters that are not reserved by the framework.
func (inv *Invoke) Args() []Parameter {
	args := make([]Parameter, 0, len(inv.Parameters))
	for _, p := range inv.Parameters {
		if isReserved(p.Name) {
			continue
		}
		args = append(args, p)
	}
	return args
}

func isReserved(name string) bool {
	switch name {
	case ParamInvokeID, ParamSegmentStart, ParamSegmentEnd, ParamError, ParamNode:
		return true
	}
	return false
}

func (inv *Invoke) namedInt(name string) (int64, bool) {
	p, ok := inv.Param(name)
	if !ok || p.Type != ParamInt {
		return 0, false
	}
	n, ok := p.Value.(int64)
	return n, ok
}

// Node returns the announced node name, if the message carries one.
func (inv *Invoke) Node() (string, bool) {
	p, ok := inv.Param(ParamNode)
	if !ok {
		return "", false
	}
	name, err := valueAs[string](p, ParamString)
	return name, err == nil && name != ""
}

// ID returns the invocation id, if the message carries one.
func (inv *Invoke) ID() (uint64, bool) {
	n, ok := inv.namedInt(ParamInvokeID)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// WithID returns a copy of the message carrying the given invocation id.
func (inv *Invoke) WithID(id uint64) *Invoke {
	c := inv.Clone()
	c.Set(IntParam(int64(id)).WithName(ParamInvokeID))
	return c
}

// Segment returns the [start, end) sub-range carried by the message.
func (inv *Invoke) Segment() (start, end int64, ok bool) {
	start, okStart := inv.namedInt(ParamSegmentStart)
	end, okEnd := inv.namedInt(ParamSegmentEnd)
	if !okStart || !okEnd {
		return 0, 0, false
	}
	return start, end, true
}

// WithSegment returns a copy of the message carrying the [start, end) sub-range.
func (inv *Invoke) WithSegment(start, end int64) *Invoke {
	c := inv.Clone()
	c.Set(IntParam(start).WithName(ParamSegmentStart))
	c.Set(IntParam(end).WithName(ParamSegmentEnd))
	return c
}

// ErrorMessage returns the handler failure carried by a report.
func (inv *Invoke) ErrorMessage() (string, bool) {
	p, ok := inv.Param(ParamError)
	if !ok || p.Type != ParamString {
		return "", false
	}
	s, _ := p.Value.(string)
	return s, true
}

// IsReport reports whether the message is a completion report.
func (inv *Invoke) IsReport() bool {
	return inv.Listener == ListenerReport
}

// String implements fmt.Stringer.
func (inv *Invoke) String() string {
	return fmt.Sprintf("Invoke(%s, %d params)", inv.Listener, len(inv.Parameters))
}
