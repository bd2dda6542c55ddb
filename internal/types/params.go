package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// ParamKind tags a parameter value. The engine never relies on dynamic
// typing of parameters; every value that crosses the wire or enters the
// WAL carries an explicit kind.
type ParamKind string

const (
	ParamInt  ParamKind = "int"
	ParamReal ParamKind = "real"
	ParamText ParamKind = "text"
	ParamBool ParamKind = "bool"
	ParamNull ParamKind = "null"
	ParamBlob ParamKind = "blob"
)

// Param is a tagged SQL parameter value. Exactly one of the value fields
// is meaningful, selected by Kind. Blobs are base64-encoded in JSON so
// WAL entries containing them replicate as text.
type Param struct {
	Kind ParamKind
	Int  int64
	Real float64
	Text string
	Bool bool
	Blob []byte
}

func IntParam(v int64) Param    { return Param{Kind: ParamInt, Int: v} }
func RealParam(v float64) Param { return Param{Kind: ParamReal, Real: v} }
func TextParam(v string) Param  { return Param{Kind: ParamText, Text: v} }
func BoolParam(v bool) Param    { return Param{Kind: ParamBool, Bool: v} }
func NullParam() Param          { return Param{Kind: ParamNull} }
func BlobParam(v []byte) Param  { return Param{Kind: ParamBlob, Blob: v} }

// Value returns the driver-level value to bind. Booleans bind as
// integers, matching SQLite affinity.
func (p Param) Value() any {
	switch p.Kind {
	case ParamInt:
		return p.Int
	case ParamReal:
		return p.Real
	case ParamText:
		return p.Text
	case ParamBool:
		if p.Bool {
			return int64(1)
		}
		return int64(0)
	case ParamBlob:
		return p.Blob
	default:
		return nil
	}
}

type paramJSON struct {
	Kind  ParamKind       `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the param as {"t": kind, "v": value}.
func (p Param) MarshalJSON() ([]byte, error) {
	var v any
	switch p.Kind {
	case ParamInt:
		v = p.Int
	case ParamReal:
		v = p.Real
	case ParamText:
		v = p.Text
	case ParamBool:
		v = p.Bool
	case ParamNull:
		return json.Marshal(paramJSON{Kind: ParamNull})
	case ParamBlob:
		v = base64.StdEncoding.EncodeToString(p.Blob)
	default:
		return nil, fmt.Errorf("unknown param kind %q", p.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(paramJSON{Kind: p.Kind, Value: raw})
}

// UnmarshalJSON decodes either the tagged form or a bare JSON scalar.
// Bare scalars come from clients that send plain JSON arrays; they map
// to the obvious kind (numbers with no fraction become ints).
func (p *Param) UnmarshalJSON(data []byte) error {
	var tagged paramJSON
	if err := json.Unmarshal(data, &tagged); err == nil && tagged.Kind != "" {
		return p.decodeTagged(tagged)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*p = NullParam()
	case bool:
		*p = BoolParam(val)
	case string:
		*p = TextParam(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			*p = IntParam(int64(val))
		} else {
			*p = RealParam(val)
		}
	default:
		return fmt.Errorf("unsupported param value %T", v)
	}
	return nil
}

func (p *Param) decodeTagged(tagged paramJSON) error {
	switch tagged.Kind {
	case ParamInt:
		p.Kind = ParamInt
		return json.Unmarshal(tagged.Value, &p.Int)
	case ParamReal:
		p.Kind = ParamReal
		return json.Unmarshal(tagged.Value, &p.Real)
	case ParamText:
		p.Kind = ParamText
		return json.Unmarshal(tagged.Value, &p.Text)
	case ParamBool:
		p.Kind = ParamBool
		return json.Unmarshal(tagged.Value, &p.Bool)
	case ParamNull:
		p.Kind = ParamNull
		return nil
	case ParamBlob:
		p.Kind = ParamBlob
		var enc string
		if err := json.Unmarshal(tagged.Value, &enc); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("decoding blob param: %w", err)
		}
		p.Blob = raw
		return nil
	default:
		return fmt.Errorf("unknown param kind %q", tagged.Kind)
	}
}

// BindValues converts a parameter list to driver values.
func BindValues(params []Param) []any {
	if len(params) == 0 {
		return nil
	}
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value()
	}
	return out
}
