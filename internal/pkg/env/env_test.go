package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedMap(t *testing.T) {
	t.Setenv("CILIOS_TEST_KEY", "from-os")
	Env = map[string]string{"CILIOS_TEST_KEY": "from-file"}
	defer func() { Env = nil }()

	assert.Equal(t, "from-file", GetEnv("CILIOS_TEST_KEY", "def"))
}

func TestGetEnvFallbacks(t *testing.T) {
	Env = nil
	t.Setenv("CILIOS_TEST_KEY", "from-os")

	assert.Equal(t, "from-os", GetEnv("CILIOS_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("CILIOS_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"INT_OK":       "7",
		"INT_BAD":      "seven",
		"BOOL_OK":      "true",
		"BOOL_BAD":     "yes please",
		"DURATION_OK":  "250ms",
		"DURATION_BAD": "soon",
	}
	defer func() { Env = nil }()

	assert.Equal(t, 7, GetEnvInt("INT_OK", 1))
	assert.Equal(t, 1, GetEnvInt("INT_BAD", 1))
	assert.Equal(t, 3, GetEnvInt("INT_MISSING", 3))

	assert.True(t, GetEnvBool("BOOL_OK", false))
	assert.False(t, GetEnvBool("BOOL_BAD", false))

	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("DURATION_OK", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("DURATION_BAD", time.Second))
}
