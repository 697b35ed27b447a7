//go:build test

package profile

import (
	"testing"

	"github.com/srg/tagwatch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLuaDecoder(t *testing.T) {
	// GOAL: Verify a script decoder turns payload bytes into a rounded Reading
	//
	// TEST SCENARIO: Load testdata/centi.lua → decode payloads with and without humidity → values match
	helper := testutils.NewTestHelper(t)

	script, err := testutils.LoadScript("internal/profile/testdata/centi.lua")
	require.NoError(t, err, "test script MUST load")

	dec, err := NewLuaDecoder(script, helper.Logger)
	require.NoError(t, err, "script defining decode() MUST be accepted")
	defer dec.Close()

	r, err := dec.Decode([]byte{0x34, 0x09})
	require.NoError(t, err)
	assert.Equal(t, 23.56, r.Temperature, "0x0934 centi-degrees MUST decode to 23.56")
	assert.False(t, r.HasHumidity, "single return value MUST NOT carry humidity")

	r, err = dec.Decode([]byte{0x0C, 0xFE, 55})
	require.NoError(t, err)
	assert.Equal(t, -5.0, r.Temperature, "negative raw value MUST decode as signed")
	assert.True(t, r.HasHumidity, "second return value MUST be taken as humidity")
	assert.Equal(t, 55.0, r.Humidity)
}

func TestLuaDecoderRejectsBadScripts(t *testing.T) {
	helper := testutils.NewTestHelper(t)

	_, err := NewLuaDecoder("this is not lua", helper.Logger)
	assert.Error(t, err, "syntax error MUST fail loading")

	_, err = NewLuaDecoder("function convert(b) return 1 end", helper.Logger)
	assert.ErrorContains(t, err, "does not define decode()")
}

func TestLuaDecoderRuntimeErrors(t *testing.T) {
	helper := testutils.NewTestHelper(t)

	dec, err := NewLuaDecoder(`function decode(b) if b[1] == 1 then error("boom") end return "hot" end`, helper.Logger)
	require.NoError(t, err)
	defer dec.Close()

	_, err = dec.Decode([]byte{1})
	assert.Error(t, err, "script error MUST surface as decode error")

	_, err = dec.Decode([]byte{2})
	assert.ErrorContains(t, err, "numeric temperature", "non-numeric result MUST be rejected")

	require.NoError(t, dec.Close())
	_, err = dec.Decode([]byte{2})
	assert.Error(t, err, "closed decoder MUST refuse to decode")
}

func TestNewLuaProfile(t *testing.T) {
	// GOAL: Verify a script profile carries the GATT layout it was configured with
	helper := testutils.NewTestHelper(t)

	p, err := NewLua(LuaOptions{
		ScriptFile:   "testdata/centi.lua",
		Service:      "aa00",
		Data:         "aa01",
		Activation:   &Activation{Characteristic: "aa02", Value: []byte{1}},
		ScanServices: []string{"aa00"},
	}, helper.Logger)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, LuaName, p.Name)
	assert.Equal(t, "aa01", p.Data)
	assert.NoError(t, p.Validate())

	r, err := p.Decode([]byte{0xE8, 0x03})
	require.NoError(t, err)
	assert.Equal(t, 10.0, r.Temperature)

	_, err = NewLua(LuaOptions{Script: "function decode(b) return 1 end"}, helper.Logger)
	assert.Error(t, err, "profile without service and data MUST be rejected")

	_, err = NewLua(LuaOptions{}, helper.Logger)
	assert.Error(t, err, "profile without script MUST be rejected")

	_, err = NewLua(LuaOptions{ScriptFile: "testdata/missing.lua"}, helper.Logger)
	assert.Error(t, err)
}
