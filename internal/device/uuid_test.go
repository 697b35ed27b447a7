package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{
			name:     "16-bit UUID lowercase",
			input:    "a002",
			expected: "a002",
		},
		{
			name:     "16-bit UUID uppercase",
			input:    "A005",
			expected: "a005",
		},
		{
			name:     "16-bit UUID with 0x prefix",
			input:    "0x2902",
			expected: "2902",
		},
		{
			name:     "16-bit UUID with 0X prefix uppercase",
			input:    "0X2902",
			expected: "2902",
		},

		// Bluetooth SIG base UUID format (should extract 16-bit form)
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000180f-0000-1000-8000-00805f9b34fb",
			expected: "180f",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "00002a1900001000800000805f9b34fb",
			expected: "2a19",
		},
		{
			name:     "Full Bluetooth SIG UUID uppercase in braces",
			input:    "{00002A24-0000-1000-8000-00805F9B34FB}",
			expected: "2a24",
		},

		// Vendor 128-bit UUIDs are kept whole
		{
			name:     "SensorTag humidity service",
			input:    "f000aa20-0451-4000-b000-000000000000",
			expected: "f000aa2004514000b000000000000000",
		},
		{
			name:     "SensorTag humidity config uppercase",
			input:    "F000AA22-0451-4000-B000-000000000000",
			expected: "f000aa2204514000b000000000000000",
		},

		// Malformed input
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
		{
			name:     "non-hex characters",
			input:    "zz02",
			expected: "",
		},
		{
			name:     "wrong length",
			input:    "12345",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestExpandUUID(t *testing.T) {
	t.Run("expands 16-bit form onto SIG base", func(t *testing.T) {
		got, err := ExpandUUID("A002")
		require.NoError(t, err)
		assert.Equal(t, "0000a002-0000-1000-8000-00805f9b34fb", got)
	})

	t.Run("keeps vendor UUID and restores dashes", func(t *testing.T) {
		got, err := ExpandUUID("F000AA21045140 00B000000000000000")
		assert.Error(t, err, "embedded space MUST be rejected")
		assert.Empty(t, got)

		got, err = ExpandUUID("f000aa2104514000b000000000000000")
		require.NoError(t, err)
		assert.Equal(t, "f000aa21-0451-4000-b000-000000000000", got)
	})

	t.Run("rejects malformed UUID", func(t *testing.T) {
		_, err := ExpandUUID("xyz")
		assert.Error(t, err)
	})
}

func TestSameUUID(t *testing.T) {
	assert.True(t, SameUUID("A002", "0000a002-0000-1000-8000-00805f9b34fb"))
	assert.True(t, SameUUID("f000aa21-0451-4000-b000-000000000000", "F000AA2104514000B000000000000000"))
	assert.False(t, SameUUID("A002", "A005"))
	assert.False(t, SameUUID("", ""), "empty UUIDs MUST NOT compare equal")
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes every UUID", func(t *testing.T) {
		got, err := ValidateUUID("A002", "0x180F")
		require.NoError(t, err)
		assert.Equal(t, []string{"a002", "180f"}, got)
	})

	t.Run("requires at least one UUID", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)
	})

	t.Run("rejects empty UUID", func(t *testing.T) {
		_, err := ValidateUUID("A002", "")
		assert.ErrorContains(t, err, "index 1")
	})

	t.Run("rejects malformed UUID", func(t *testing.T) {
		_, err := ValidateUUID("nope")
		assert.ErrorContains(t, err, "invalid UUID format")
	})
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "a002", ShortenUUID("a002"))
	assert.Equal(t, "f000aa21", ShortenUUID("f000aa2104514000b000000000000000"))
}

func TestConnectionErrorIs(t *testing.T) {
	wrapped := errors.Join(errors.New("dial failed"), &ConnectionError{State: AlreadyConnected, Msg: "AA:BB"})

	assert.ErrorIs(t, wrapped, ErrAlreadyConnected)
	assert.NotErrorIs(t, wrapped, ErrNotConnected)
	assert.True(t, IsConnectionState(wrapped, AlreadyConnected))
	assert.False(t, IsConnectionState(errors.New("plain"), AlreadyConnected))
	assert.Equal(t, "already_connected: AA:BB", (&ConnectionError{State: AlreadyConnected, Msg: "AA:BB"}).Error())
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, `service "a002" not found`, (&NotFoundError{Resource: "service", UUIDs: []string{"a002"}}).Error())
	assert.Equal(t, `characteristic "a005" not found in service "a002"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"a002", "a005"}}).Error())
}
