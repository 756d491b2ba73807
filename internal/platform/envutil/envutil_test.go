package envutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_DUR", "90")
	assert.Equal(t, 90*time.Second, Duration("ENVUTIL_TEST_DUR", time.Second))

	t.Setenv("ENVUTIL_TEST_DUR", "5m")
	assert.Equal(t, 5*time.Minute, Duration("ENVUTIL_TEST_DUR", time.Second))

	t.Setenv("ENVUTIL_TEST_DUR", "nonsense")
	assert.Equal(t, time.Second, Duration("ENVUTIL_TEST_DUR", time.Second))
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_BOOL", "off")
	assert.False(t, Bool("ENVUTIL_TEST_BOOL", true))
	assert.True(t, Bool("ENVUTIL_TEST_MISSING", true))

	t.Setenv("ENVUTIL_TEST_INT", "12")
	assert.Equal(t, 12, Int("ENVUTIL_TEST_INT", 3))
	t.Setenv("ENVUTIL_TEST_INT", "x")
	assert.Equal(t, 3, Int("ENVUTIL_TEST_INT", 3))
}
