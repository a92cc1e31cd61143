package yaml

import (
	"github.com/clp-project/querycelery/serializer"
	"gopkg.in/yaml.v3"
)

// ContentType of YAML payloads.
const ContentType = "application/x-yaml"

func init() {
	serializer.Register("yaml", &Serializer{})
}

// Serializer encodes payloads as YAML.
type Serializer struct{}

func (s *Serializer) ContentType() string { return ContentType }

func (s *Serializer) Serialize(o interface{}) ([]byte, error) {
	return yaml.Marshal(o)
}

func (s *Serializer) Deserialize(b []byte, o interface{}) error {
	return yaml.Unmarshal(b, o)
}
