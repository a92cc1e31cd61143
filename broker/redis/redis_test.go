package redis_test

import (
	"testing"

	"github.com/clp-project/querycelery/broker"
	"github.com/clp-project/querycelery/broker/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := &broker.Message{
		Headers:         map[string]interface{}{"task": "tasks.add"},
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		CorrelationID:   "id-1",
		Priority:        2,
		Body:            []byte(`[[1,2],{},{}]`),
	}
	raw, err := redis.Encode("query", msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"body_encoding":"base64"`)
	assert.Contains(t, string(raw), `"routing_key":"query"`)

	got, err := redis.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Body, got.Body)
	assert.Equal(t, "tasks.add", got.Headers["task"])
	assert.Equal(t, "id-1", got.CorrelationID)
	assert.Equal(t, uint8(2), got.Priority)
}

func TestDecodePlainBody(t *testing.T) {
	got, err := redis.Decode([]byte(`{"body":"{}","content-type":"application/json","properties":{"body_encoding":"utf-8"}}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), got.Body)
}
