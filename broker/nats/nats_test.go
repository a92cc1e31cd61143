package nats_test

import (
	"context"
	"testing"

	"github.com/clp-project/querycelery/broker"
	_ "github.com/clp-project/querycelery/broker/nats"
	"github.com/stretchr/testify/assert"
)

func TestRegistered(t *testing.T) {
	assert.True(t, broker.Registered("nats://localhost:4222"))
}

func TestOpenUnreachable(t *testing.T) {
	_, err := broker.Open(context.Background(), "nats://127.0.0.1:1", broker.Options{})
	assert.Error(t, err)
}
