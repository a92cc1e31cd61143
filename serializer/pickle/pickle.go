package pickle

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/clp-project/querycelery/serializer"
	"github.com/hydrogen18/stalecucumber"
)

// ContentType of Python pickle payloads.
const ContentType = "application/x-python-serialize"

func init() {
	serializer.Register("pickle", &Serializer{})
}

// Serializer reads and writes pickle payloads produced by Python clients.
type Serializer struct{}

func (p *Serializer) ContentType() string { return ContentType }

func (p *Serializer) Serialize(o interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := stalecucumber.NewPickler(buf).Pickle(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize unpickles b. Generic destinations (*interface{}) receive
// plain Go values with string-keyed maps; anything else goes through
// stalecucumber's struct unpacker.
func (p *Serializer) Deserialize(b []byte, o interface{}) error {
	v, err := stalecucumber.Unpickle(bytes.NewReader(b))
	if err != nil {
		return err
	}
	if generic, ok := o.(*interface{}); ok {
		*generic = normalize(v)
		return nil
	}
	unpacker := stalecucumber.UnpackInto(o)
	unpacker.AllowMismatchedFields = true
	unpacker.AllowMissingFields = true
	return unpacker.From(v, nil)
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case *big.Int:
		if t.IsInt64() {
			return t.Int64()
		}
		return t.String()
	case stalecucumber.PickleNone:
		return nil
	default:
		return v
	}
}
