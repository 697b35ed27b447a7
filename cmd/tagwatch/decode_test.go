//go:build test

package main

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/tagwatch/internal/profile"
	"github.com/srg/tagwatch/internal/testutils"
)

type DecodeCommandTestSuite struct {
	CommandTestSuite
}

func (s *DecodeCommandTestSuite) TestBuiltinProfiles() {
	// GOAL: Verify each built-in profile decodes a captured payload into the expected text
	//
	// TEST SCENARIO: decode known raw values → formatted temperature (and humidity) lines

	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name: "hdc1000 with humidity",
			args: []string{"decode", profile.HDC1000Name, "00640080"},
			expected: "temperature: 24.45 C\n" +
				"humidity:    50.00 %\n",
		},
		{
			name:     "a002 float temperature with 0x prefix",
			args:     []string{"decode", profile.A002Name, "0x0000cc41"},
			expected: "temperature: 25.50 C\n",
		},
		{
			name: "separators are accepted",
			args: []string{"decode", profile.HDC1000Name, "00:64-00 80"},
			expected: "temperature: 24.45 C\n" +
				"humidity:    50.00 %\n",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			out, err := s.ExecuteCommand(rootCmd, tt.args...)
			s.Require().NoError(err, "decode MUST succeed")
			testutils.NewTextAsserter(s.T()).Assert(out, tt.expected)
		})
	}
}

func (s *DecodeCommandTestSuite) TestJSONFormat() {
	out, err := s.ExecuteCommand(rootCmd, "decode", profile.HDC1000Name, "00640080", "--format", "json")
	s.Require().NoError(err, "decode MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"temperature": 24.45,
		"humidity": 50,
		"has_humidity": true
	}`)
}

func (s *DecodeCommandTestSuite) TestLuaScript() {
	// GOAL: Verify the lua profile loads the decoder from --script
	//
	// TEST SCENARIO: centi-degree script decodes 0x09f2 → 25.46 C, no humidity line

	out, err := s.ExecuteCommand(rootCmd, "decode", profile.LuaName, "f209",
		"--script", "../../internal/profile/testdata/centi.lua")
	s.Require().NoError(err, "lua decode MUST succeed")
	s.Equal("temperature: 25.46 C\n", out)
}

func (s *DecodeCommandTestSuite) TestErrors() {
	tests := []struct {
		name    string
		args    []string
		errPart string
	}{
		{"unknown profile", []string{"decode", "nope", "0102"}, "unknown profile"},
		{"invalid hex", []string{"decode", profile.HDC1000Name, "zz"}, "invalid hex payload"},
		{"empty payload", []string{"decode", profile.HDC1000Name, "0x"}, "empty payload"},
		{"short payload", []string{"decode", profile.HDC1000Name, "0102"}, profile.ErrShortPayload.Error()},
		{"lua without script", []string{"decode", profile.LuaName, "0102"}, "requires --script"},
		{"script with builtin", []string{"decode", profile.A002Name, "0102", "--script", "x.lua"}, "only valid with profile"},
		{"bad format", []string{"decode", profile.A002Name, "0102", "--format", "xml"}, "invalid format"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			_, err := s.ExecuteCommand(rootCmd, tt.args...)
			s.Require().Error(err, "decode MUST fail")
			s.Contains(err.Error(), tt.errPart)
		})
	}
}

func TestDecodeCommandTestSuite(t *testing.T) {
	suite.Run(t, new(DecodeCommandTestSuite))
}
