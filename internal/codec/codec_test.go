package codec_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/codec"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name   string         `cbor:"name"`
	At     time.Time      `cbor:"at"`
	Extras map[string]any `cbor:"extras,omitempty"`
}

func TestMarshal_IsDeterministic(t *testing.T) {
	r := record{Name: "a", At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Extras: map[string]any{"b": 1, "a": 2}}

	first, err := codec.Marshal(r)
	require.NoError(t, err)
	second, err := codec.Marshal(r)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestTimesKeepNanoseconds(t *testing.T) {
	at := time.Date(2026, 1, 1, 10, 30, 0, 123456789, time.UTC)

	data, err := codec.Marshal(record{At: at})
	require.NoError(t, err)

	var out record
	require.NoError(t, codec.Unmarshal(data, &out))
	require.True(t, at.Equal(out.At))
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	var out record
	require.Error(t, codec.Unmarshal([]byte{0xff, 0x00, 0x13}, &out))
}
