package confutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("OUTLET_TEST_PORT", "8080")
	t.Setenv("OUTLET_TEST_HOST", "localhost")

	res, err := ResolveCustomTags("${env:OUTLET_TEST_PORT}", reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, 8080, res)

	res, err = ResolveCustomTags("${OUTLET_TEST_HOST}:${env:OUTLET_TEST_PORT}", reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", res)
}

func TestResolveNoTags(t *testing.T) {
	res, err := ResolveCustomTags("plain", reflect.TypeOf(""))
	assert.Equal(t, ErrNoTagsFound, err)
	assert.Equal(t, "plain", res)
}

func TestResolveMissingEnv(t *testing.T) {
	_, err := ResolveCustomTags("${env:OUTLET_TEST_SURELY_MISSING}", reflect.TypeOf(""))
	assert.Equal(t, ErrEnvNotProvided, errors.Cause(err))
}

func TestResolveUnknownTypeKept(t *testing.T) {
	res, err := ResolveCustomTags("${vault:secret}", reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "${vault:secret}", res)
}

func TestUncastableKeptAsString(t *testing.T) {
	t.Setenv("OUTLET_TEST_TTL", "10s")
	res, err := ResolveCustomTags("${OUTLET_TEST_TTL}", reflect.TypeOf(time.Duration(0)))
	require.NoError(t, err)
	assert.Equal(t, "10s", res)
}

func TestCast(t *testing.T) {
	for _, tc := range []struct {
		val      string
		expected interface{}
	}{
		{"true", true},
		{"0", false},
		{"10", uint16(10)},
		{"-3", int8(-3)},
		{"10.5", float64(10.5)},
		{"x", "x"},
	} {
		res, err := cast(tc.val, reflect.TypeOf(tc.expected))
		require.NoError(t, err, tc.val)
		assert.Equal(t, tc.expected, res)
	}
	_, err := cast("nope", reflect.TypeOf(true))
	assert.Equal(t, ErrCantCastToTarget, errors.Cause(err))
}

func TestPropertyResolver(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secret.properties")
	require.NoError(t, os.WriteFile(file, []byte("a=1\ntoken=abc=def\n"), 0600))

	val, err := PropertyTagResolver(file + "#token")
	require.NoError(t, err)
	assert.Equal(t, "abc=def", val)

	_, err = PropertyTagResolver(file + "#missing")
	assert.Equal(t, ErrPropertyNotInFile, errors.Cause(err))
	_, err = PropertyTagResolver(file)
	assert.Error(t, err)
}
