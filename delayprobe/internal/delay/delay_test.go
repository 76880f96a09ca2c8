package delay_test

import (
	"encoding/json"
	"testing"

	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/stretchr/testify/require"
)

func TestDelay_ZeroValueIsAbsent(t *testing.T) {
	t.Parallel()

	var d delay.Delay
	require.True(t, d.IsAbsent())
	require.Equal(t, delay.LegacyAbsent, d.Legacy())
	require.False(t, d.IsTerminal())
}

func TestDelay_Measured_Normalizes(t *testing.T) {
	t.Parallel()

	require.Equal(t, delay.KindMeasured, delay.Measured(0).Kind())
	require.Equal(t, int64(123), delay.Measured(123).MS())
	require.Equal(t, delay.KindErrored, delay.Measured(delay.ErrorThreshold).Kind())
	require.Equal(t, delay.KindErrored, delay.Measured(delay.ErrorThreshold+5).Kind())
	require.Equal(t, delay.KindAbsent, delay.Measured(-7).Kind())
	require.Equal(t, int64(0), delay.Errored().MS())
}

func TestDelay_LegacyEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     delay.Delay
		legacy int64
		str    string
	}{
		{delay.Absent(), -1, "absent"},
		{delay.Testing(), -2, "testing"},
		{delay.Measured(87), 87, "87ms"},
		{delay.Errored(), 1_000_000, "errored"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.legacy, tt.in.Legacy())
		require.Equal(t, tt.in, delay.FromLegacy(tt.legacy))
		require.Equal(t, tt.str, tt.in.String())
	}

	require.Equal(t, delay.Absent(), delay.FromLegacy(-42))
	require.Equal(t, delay.Errored(), delay.FromLegacy(5_000_000))
}

func TestDelay_JSON(t *testing.T) {
	t.Parallel()

	type row struct {
		Delay delay.Delay `json:"delay"`
	}
	b, err := json.Marshal(row{Delay: delay.Testing()})
	require.NoError(t, err)
	require.JSONEq(t, `{"delay":-2}`, string(b))

	var out row
	require.NoError(t, json.Unmarshal([]byte(`{"delay":1000000}`), &out))
	require.True(t, out.Delay.IsErrored())

	require.Error(t, json.Unmarshal([]byte(`{"delay":"fast"}`), &out))
}
