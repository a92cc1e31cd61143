package serializer_test

import (
	"encoding/json"
	"testing"

	"github.com/clp-project/querycelery/serializer"
	_ "github.com/clp-project/querycelery/serializer/json"
	_ "github.com/clp-project/querycelery/serializer/pickle"
	_ "github.com/clp-project/querycelery/serializer/yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupByAliasAndContentType(t *testing.T) {
	byAlias, err := serializer.Lookup("json")
	require.NoError(t, err)
	byType, err := serializer.Lookup("application/json")
	require.NoError(t, err)
	assert.Same(t, byAlias, byType)

	ct, err := serializer.ContentType("pickle")
	require.NoError(t, err)
	assert.Equal(t, "application/x-python-serialize", ct)

	_, err = serializer.Lookup("msgpack")
	assert.ErrorIs(t, err, serializer.ErrSerializerNotFound)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"json", "pickle", "yaml"}, serializer.Names())
}

func TestJSONKeepsIntegers(t *testing.T) {
	s, err := serializer.Lookup("json")
	require.NoError(t, err)

	var body interface{}
	require.NoError(t, s.Deserialize([]byte(`[[1, 2], {"x": "y"}, {}]`), &body))

	parts := body.([]interface{})
	args := parts[0].([]interface{})
	assert.Equal(t, json.Number("1"), args[0])
	assert.Equal(t, "y", parts[1].(map[string]interface{})["x"])
}

func TestPickleGenericDestination(t *testing.T) {
	s, err := serializer.Lookup("pickle")
	require.NoError(t, err)

	payload, err := s.Serialize([]interface{}{int64(7), "archive"})
	require.NoError(t, err)

	var out interface{}
	require.NoError(t, s.Deserialize(payload, &out))
	assert.Equal(t, []interface{}{int64(7), "archive"}, out)
}

func TestYAMLRoundTrip(t *testing.T) {
	s, err := serializer.Lookup("application/x-yaml")
	require.NoError(t, err)

	payload, err := s.Serialize(map[string]interface{}{"status": "SUCCESS"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, s.Deserialize(payload, &out))
	assert.Equal(t, "SUCCESS", out["status"])
}
