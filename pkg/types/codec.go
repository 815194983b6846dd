package types

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// wireParameter is the JSON shape of a Parameter. The value is kept raw so
// that it can be decoded according to its type tag.
type wireParameter struct {
	Name  string          `json:"name,omitempty"`
	Type  ParamType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wireInvoke struct {
	Listener   string      `json:"listener"`
	Parameters []Parameter `json:"parameters"`
}

// MarshalJSON implements json.Marshaler.
func (p Parameter) MarshalJSON() ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	raw, err := sonic.Marshal(p.Value)
	if err != nil {
		return nil, fmt.Errorf("encode parameter %q: %w", p.Name, err)
	}
	return sonic.Marshal(wireParameter{Name: p.Name, Type: p.Type, Value: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var w wireParameter
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}

	var err error
	switch w.Type {
	case ParamString:
		var v string
		err = sonic.Unmarshal(w.Value, &v)
		p.Value = v
	case ParamInt:
		var v int64
		err = sonic.Unmarshal(w.Value, &v)
		p.Value = v
	case ParamFloat:
		var v float64
		err = sonic.Unmarshal(w.Value, &v)
		p.Value = v
	case ParamBool:
		var v bool
		err = sonic.Unmarshal(w.Value, &v)
		p.Value = v
	case ParamBytes:
		var v []byte
		err = sonic.Unmarshal(w.Value, &v)
		if v == nil {
			v = []byte{}
		}
		p.Value = v
	default:
		return fmt.Errorf("unknown parameter type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s parameter %q: %w", w.Type, w.Name, err)
	}

	p.Name = w.Name
	p.Type = w.Type
	return nil
}

// check verifies that the Go value matches the type tag.
func (p Parameter) check() error {
	ok := false
	switch p.Type {
	case ParamString:
		_, ok = p.Value.(string)
	case ParamInt:
		_, ok = p.Value.(int64)
	case ParamFloat:
		_, ok = p.Value.(float64)
	case ParamBool:
		_, ok = p.Value.(bool)
	case ParamBytes:
		_, ok = p.Value.([]byte)
	default:
		return fmt.Errorf("unknown parameter type %q", p.Type)
	}
	if !ok {
		return fmt.Errorf("parameter %q tagged %s holds %T", p.Name, p.Type, p.Value)
	}
	return nil
}

// Encode serializes an Invoke into its wire form.
func Encode(inv *Invoke) ([]byte, error) {
	if inv == nil {
		return nil, fmt.Errorf("invoke cannot be nil")
	}
	params := inv.Parameters
	if params == nil {
		params = []Parameter{}
	}
	return sonic.Marshal(wireInvoke{Listener: inv.Listener, Parameters: params})
}

// Decode parses the wire form of an Invoke.
func Decode(data []byte) (*Invoke, error) {
	var w wireInvoke
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode invoke: %w", err)
	}
	if w.Listener == "" {
		return nil, fmt.Errorf("decode invoke: empty listener")
	}
	if w.Parameters == nil {
		w.Parameters = []Parameter{}
	}
	return &Invoke{Listener: w.Listener, Parameters: w.Parameters}, nil
}
