package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genParameter() *rapid.Generator[Parameter] {
	return rapid.Custom(func(t *rapid.T) Parameter {
		var p Parameter
		switch rapid.IntRange(0, 4).Draw(t, "kind") {
		case 0:
			p = StringParam(rapid.String().Draw(t, "string"))
		case 1:
			p = IntParam(rapid.Int64().Draw(t, "int"))
		case 2:
			p = FloatParam(rapid.Float64Range(-1e12, 1e12).Draw(t, "float"))
		case 3:
			p = BoolParam(rapid.Bool().Draw(t, "bool"))
		default:
			p = BytesParam(rapid.SliceOf(rapid.Byte()).Draw(t, "bytes"))
		}
		if rapid.Bool().Draw(t, "named") {
			p = p.WithName(rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name"))
		}
		return p
	})
}

// TestInvokeRoundTripProperty: decode(encode(inv)) keeps listener, order, names, tags and Go types.
func TestInvokeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		listener := rapid.StringMatching(`[a-zA-Z_][a-zA-Z0-9_]{0,15}`).Draw(t, "listener")
		params := rapid.SliceOfN(genParameter(), 0, 10).Draw(t, "params")
		inv := NewInvoke(listener, params...)

		data, err := Encode(inv)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if decoded.Listener != inv.Listener {
			t.Fatalf("listener %q != %q", decoded.Listener, inv.Listener)
		}
		if len(decoded.Parameters) != len(params) {
			t.Fatalf("arity %d != %d", len(decoded.Parameters), len(params))
		}
		for i, p := range params {
			got := decoded.Parameters[i]
			if got.Name != p.Name || got.Type != p.Type {
				t.Fatalf("parameter %d: got %s/%s want %s/%s", i, got.Name, got.Type, p.Name, p.Type)
			}
			if fmt.Sprintf("%T", got.Value) != fmt.Sprintf("%T", p.Value) {
				t.Fatalf("parameter %d: value type %T != %T", i, got.Value, p.Value)
			}
			if p.Type == ParamBytes {
				if string(got.Value.([]byte)) != string(p.Value.([]byte)) {
					t.Fatalf("parameter %d: bytes differ", i)
				}
				continue
			}
			if got.Value != p.Value {
				t.Fatalf("parameter %d: %v != %v", i, got.Value, p.Value)
			}
		}
	})
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`{"listener":"","parameters":[]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"listener":"x","parameters":[{"type":"matrix","value":1}]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"listener":"x","parameters":[{"type":"int","value":"seven"}]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncode_TagMismatch(t *testing.T) {
	inv := NewInvoke("x", Parameter{Type: ParamInt, Value: "seven"})
	_, err := Encode(inv)
	assert.Error(t, err)
}

func TestDecode_IntStaysInt(t *testing.T) {
	inv, err := Decode([]byte(`{"listener":"sum","parameters":[{"type":"int","value":9007199254740993}]}`))
	require.NoError(t, err)
	n, err := inv.IntAt(0)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), n)
}

func TestInvoke_ReservedParameters(t *testing.T) {
	inv := NewInvoke("primes", IntParam(7))
	_, ok := inv.ID()
	assert.False(t, ok)

	withID := inv.WithID(42).WithSegment(100, 200)
	id, ok := withID.ID()
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	start, end, ok := withID.Segment()
	require.True(t, ok)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(200), end)

	// original untouched
	assert.Equal(t, 1, inv.Len())
	assert.Len(t, withID.Args(), 1)

	again := withID.WithID(43)
	id, _ = again.ID()
	assert.Equal(t, uint64(43), id)
	assert.Equal(t, withID.Len(), again.Len())
}

func TestInvoke_Accessors(t *testing.T) {
	inv, err := NewInvokeOf("mixed", "a", 3, 2.5, true, []byte("z"))
	require.NoError(t, err)

	s, err := inv.StringAt(0)
	require.NoError(t, err)
	assert.Equal(t, "a", s)

	n, err := inv.IntAt(1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	f, err := inv.FloatAt(2)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	b, err := inv.BoolAt(3)
	require.NoError(t, err)
	assert.True(t, b)

	raw, err := inv.BytesAt(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("z"), raw)

	_, err = inv.IntAt(0)
	assert.Error(t, err)
	_, err = inv.At(9)
	assert.Error(t, err)

	_, err = NewInvokeOf("bad", struct{}{})
	assert.Error(t, err)
}

func TestInvoke_AccessorsTagMismatch(t *testing.T) {
	// built by hand: tagged int, holding a Go int
	inv := NewInvoke("hand", Parameter{Type: ParamInt, Value: 5}, Parameter{Type: ParamString, Value: 7})

	assert.NotPanics(t, func() {
		_, err := inv.IntAt(0)
		assert.ErrorContains(t, err, "holds int")
		_, err = inv.StringAt(1)
		assert.Error(t, err)
		_, err = inv.Parameters[0].Int()
		assert.Error(t, err)
	})

	_, err := IntParam(3).Int()
	assert.NoError(t, err)
	_, err = StringParam("x").Int()
	assert.ErrorContains(t, err, "not int")
}

func TestReport(t *testing.T) {
	r := NewReport(5, IntParam(10), StringParam("boom").WithName(ParamError))
	assert.True(t, r.IsReport())
	id, ok := r.ID()
	require.True(t, ok)
	assert.Equal(t, uint64(5), id)
	msg, ok := r.ErrorMessage()
	require.True(t, ok)
	assert.Equal(t, "boom", msg)
	assert.Len(t, r.Args(), 1)
}

func TestProtocolError_Is(t *testing.T) {
	err := fmt.Errorf("send: %w", NewRoleNotFoundError("primes"))
	assert.True(t, errors.Is(err, ErrRoleNotFound))
	assert.False(t, errors.Is(err, ErrConnection))
	assert.Equal(t, ErrCodeRoleNotFound, CodeOf(err))
	assert.Contains(t, err.Error(), "primes")

	cause := errors.New("refused")
	conn := NewConnectionError("127.0.0.1:1", cause)
	assert.True(t, errors.Is(conn, ErrConnection))
	assert.True(t, errors.Is(conn, cause))
	assert.Equal(t, ErrorCode(""), CodeOf(cause))
}
