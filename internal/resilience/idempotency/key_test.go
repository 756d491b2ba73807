package idempotency

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/autoflow-backend/internal/resilience"
)

func TestGenerateKeyIsContentDerived(t *testing.T) {
	owner := uuid.MustParse("6f1c2a9e-0d3b-4c55-9a51-0c8f1e2d3b4a")

	a, err := GenerateKey("send_email", owner, map[string]any{"to": "x@example.com", "n": 1})
	require.NoError(t, err)
	b, err := GenerateKey("send_email", owner, map[string]any{"n": 1, "to": "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order does not matter")
	assert.Len(t, a, 64)

	type payload struct {
		N  int    `json:"n"`
		To string `json:"to"`
	}
	c, err := GenerateKey("send_email", owner, payload{N: 1, To: "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, a, c, "struct and map with the same JSON agree")

	d, err := GenerateKey("send_sms", owner, map[string]any{"to": "x@example.com", "n": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	e, err := GenerateKey("send_email", uuid.New(), map[string]any{"to": "x@example.com", "n": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, e)

	_, err = GenerateKey(" ", owner, nil)
	assert.True(t, resilience.IsCode(err, resilience.CodeValidation))
}

func TestCanonicalJSONKeepsNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": uint64(18446744073709551615), "a": []int{2, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[2,1],"b":18446744073709551615}`, string(out))
}
