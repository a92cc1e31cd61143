package json

import (
	"bytes"
	"encoding/json"

	"github.com/clp-project/querycelery/serializer"
)

// ContentType of JSON payloads.
const ContentType = "application/json"

func init() {
	serializer.Register("json", &Serializer{})
}

// Serializer encodes payloads as JSON. Numbers decode as json.Number so
// integers survive the round trip.
type Serializer struct{}

func (s *Serializer) ContentType() string { return ContentType }

func (s *Serializer) Serialize(o interface{}) ([]byte, error) {
	return json.Marshal(o)
}

func (s *Serializer) Deserialize(b []byte, o interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(o)
}
