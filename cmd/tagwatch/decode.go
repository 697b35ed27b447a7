package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/tagwatch/internal/profile"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <profile> <hex-payload>",
	Short: "Decode a captured notification payload",
	Long: `Decode a raw sensor notification with one of the built-in profiles,
or with a Lua script when the profile is 'lua'.

The payload is hex; '0x' prefixes and ':', '-' or space separators are accepted.`,
	Example: `  tagwatch decode sensortag-hdc1000 6c64c07a
  tagwatch decode lua --script decoder.lua f209`,
	Args: cobra.ExactArgs(2),
	RunE: runDecode,
}

var (
	decodeScript string
	decodeFormat string
)

func init() {
	decodeCmd.Flags().StringVar(&decodeScript, "script", "", "Lua decoder script (profile 'lua' only)")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "text", "Output format (text, json)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	if decodeFormat != "text" && decodeFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", decodeFormat)
	}
	payload, err := parseHexPayload(args[1])
	if err != nil {
		return err
	}
	decoder, closeFn, err := resolveDecoder(args[0], decodeScript)
	if err != nil {
		return err
	}
	defer closeFn()

	cmd.SilenceUsage = true

	reading, err := decoder.Decode(payload)
	if err != nil {
		return fmt.Errorf("failed to decode %d-byte payload: %w", len(payload), err)
	}

	out := cmd.OutOrStdout()
	if decodeFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(reading)
	}

	fmt.Fprintf(out, "temperature: %.2f C\n", reading.Temperature)
	if reading.HasHumidity {
		fmt.Fprintf(out, "humidity:    %.2f %%\n", reading.Humidity)
	}
	return nil
}

func resolveDecoder(name, script string) (profile.Decoder, func(), error) {
	if name != profile.LuaName {
		if script != "" {
			return nil, nil, fmt.Errorf("--script is only valid with profile %q", profile.LuaName)
		}
		p, err := profile.Lookup(name)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}

	if script == "" {
		return nil, nil, fmt.Errorf("profile %q requires --script", profile.LuaName)
	}
	content, err := os.ReadFile(script)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read script %s: %w", script, err)
	}
	d, err := profile.NewLuaDecoder(string(content), nil)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { _ = d.Close() }, nil
}

// parseHexPayload accepts "0x0102", "01:02", "01-02" and "01 02"
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	clean = strings.NewReplacer(":", "", "-", "", " ", "").Replace(clean)
	if clean == "" {
		return nil, fmt.Errorf("empty payload")
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return b, nil
}
