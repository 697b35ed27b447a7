package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// LuaName is the profile name for script-decoded payloads
const LuaName = "lua"

// LuaDecodeFunction is the global function a decoder script must define.
//
//	function decode(bytes)       -- bytes: 1-indexed table of byte values
//	  local raw = bytes[1] + bytes[2] * 256
//	  return raw / 100           -- temperature [, humidity]
//	end
const LuaDecodeFunction = "decode"

// LuaOptions configures a script-decoded profile
type LuaOptions struct {
	Script       string // script source; takes precedence over ScriptFile
	ScriptFile   string
	Service      string
	Data         string
	Activation   *Activation
	ScanServices []string
}

// LuaDecoder runs a Lua decode function for every payload
type LuaDecoder struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
}

// NewLua builds a profile whose payloads are decoded by a Lua script
func NewLua(opts LuaOptions, logger *logrus.Logger) (*Profile, error) {
	script := opts.Script
	if script == "" {
		if opts.ScriptFile == "" {
			return nil, errors.New("lua profile: script or script file is required")
		}
		content, err := os.ReadFile(opts.ScriptFile)
		if err != nil {
			return nil, fmt.Errorf("lua profile: failed to read script %s: %w", opts.ScriptFile, err)
		}
		script = string(content)
	}

	dec, err := NewLuaDecoder(script, logger)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Name:         LuaName,
		Description:  "payload decoded by a Lua script",
		Service:      opts.Service,
		Data:         opts.Data,
		Activation:   opts.Activation,
		ScanServices: opts.ScanServices,
		Decoder:      dec,
	}
	if err := p.Validate(); err != nil {
		dec.Close()
		return nil, err
	}
	return p, nil
}

// NewLuaDecoder loads script and checks that it defines decode()
func NewLuaDecoder(script string, logger *logrus.Logger) (*LuaDecoder, error) {
	if logger == nil {
		logger = logrus.New()
	}

	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("lua profile: script failed to load: %w", err)
	}

	L.GetGlobal(LuaDecodeFunction)
	defined := L.IsFunction(-1)
	L.Pop(1)
	if !defined {
		L.Close()
		return nil, fmt.Errorf("lua profile: script does not define %s()", LuaDecodeFunction)
	}

	logger.WithField("function", LuaDecodeFunction).Debug("Lua decoder loaded")
	return &LuaDecoder{state: L, logger: logger}, nil
}

// Decode calls decode(bytes) and converts its results into a Reading
func (d *LuaDecoder) Decode(payload []byte) (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == nil {
		return Reading{}, errors.New("lua decoder is closed")
	}
	L := d.state
	base := L.GetTop()
	defer L.SetTop(base)

	L.GetGlobal(LuaDecodeFunction)
	L.NewTable()
	for i, b := range payload {
		L.PushInteger(int64(i + 1))
		L.PushInteger(int64(b))
		L.SetTable(-3)
	}

	if err := L.Call(1, 2); err != nil {
		return Reading{}, fmt.Errorf("lua decode failed: %w", err)
	}

	// Stack: [..., temperature, humidity]
	if !L.IsNumber(-2) {
		return Reading{}, errors.New("lua decode must return a numeric temperature")
	}
	r := Reading{Temperature: Round2(L.ToNumber(-2))}
	if L.IsNumber(-1) {
		r.Humidity = Round2(L.ToNumber(-1))
		r.HasHumidity = true
	}
	return r, nil
}

// Close releases the Lua state
func (d *LuaDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != nil {
		d.state.Close()
		d.state = nil
	}
	return nil
}

// Close releases resources held by the profile decoder, if any
func (p *Profile) Close() error {
	if c, ok := p.Decoder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
