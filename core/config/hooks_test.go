package config

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validURL   = "http://127.0.0.1:3001/remote"
	invalidURL = "http://yandex.ru%%@#$%^&*()%%)(#U@%U)U)##("
)

func TestStringToURLPtrHook(t *testing.T) {
	var data struct {
		Origin *url.URL `validate:"required"`
	}
	err := DecodeAndValidate(M{"origin": validURL}, &data)
	require.NoError(t, err)
	expectedURL, err := url.Parse(validURL)
	require.NoError(t, err)
	assert.Equal(t, expectedURL, data.Origin)

	err = DecodeAndValidate(M{"origin": invalidURL}, &data)
	assert.Error(t, err)
}

func TestStringToURLHook(t *testing.T) {
	var data struct {
		Origin url.URL
	}
	err := DecodeAndValidate(M{"origin": validURL}, &data)
	require.NoError(t, err)
	assert.Equal(t, "/remote", data.Origin.Path)

	err = DecodeAndValidate(M{"origin": invalidURL}, &data)
	assert.Error(t, err)
}

func TestStringToDataSizeHook(t *testing.T) {
	var data struct {
		Capacity datasize.ByteSize `validate:"min-size=128b"`
	}

	err := Decode(M{"capacity": "0"}, &data)
	assert.NoError(t, err)
	assert.Error(t, Validate(data))
	assert.EqualValues(t, 0, data.Capacity)

	err = Decode(M{"capacity": "128"}, &data)
	assert.NoError(t, err)
	assert.NoError(t, Validate(data))
	assert.EqualValues(t, 128, data.Capacity)

	err = Decode(M{"capacity": "5mb"}, &data)
	assert.NoError(t, err)
	assert.EqualValues(t, 5*datasize.MB, data.Capacity)

	err = Decode(M{"capacity": "nonsense"}, &data)
	assert.Error(t, err)
}

type ptrUnmarshaller int64

func (i *ptrUnmarshaller) UnmarshalText(text []byte) error {
	val, err := strconv.ParseInt(string(text), 10, 64)
	if err != nil {
		return err
	}
	*i = ptrUnmarshaller(val)
	return nil
}

type valueUnmarshaller struct{ Value *int64 }

var valueUnmarshallerSink int64

func (v valueUnmarshaller) UnmarshalText(text []byte) error {
	val, err := strconv.ParseInt(string(text), 10, 64)
	if err != nil {
		return err
	}
	valueUnmarshallerSink = val
	return nil
}

func TestTextUnmarshallerHookImplementsByPtr(t *testing.T) {
	var data struct {
		Val ptrUnmarshaller
	}
	err := Decode(M{"val": "64"}, &data)
	require.NoError(t, err)
	assert.EqualValues(t, 64, data.Val)

	err = Decode(M{"val": "x"}, &data)
	assert.Error(t, err)
}

func TestTextUnmarshallerHookImplementsByValue(t *testing.T) {
	var data struct {
		Val valueUnmarshaller
	}
	err := Decode(M{"val": "128"}, &data)
	assert.NoError(t, err)
	assert.EqualValues(t, 128, valueUnmarshallerSink)
}

func TestDebugHookPassesData(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()
	var data struct{ Val string }
	require.NoError(t, Decode(M{"val": "x"}, &data))
	assert.Equal(t, "x", data.Val)
}
