package effects

import (
	"fmt"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/scheerer/ambilightd/internal/color"
)

// Sink receives the frames an effect script emits. Implementations
// bridge them into muxer pushes.
type Sink interface {
	EmitColor(c color.Color)
	EmitLedColors(leds []color.Color)
}

// host runs one effect script in a dedicated Lua state. Scripts see a
// global `effect` table:
//
//	effect.ledCount()            number of LEDs
//	effect.args                  definition args merged with launch args
//	effect.abort()               true once a stop was requested
//	effect.sleep(seconds)        pause, aborting the script on stop
//	effect.setColor(r, g, b)     emit a solid color frame
//	effect.setLedColors(leds)    emit per-LED colors {{r,g,b}, ...}
//
// Stop requests unwind the script through a Lua error raised from the
// next sleep, setColor or setLedColors call, so a script that calls one
// of those in its loop needs no explicit abort polling.
type host struct {
	scriptPath string
	args       map[string]any
	ledCount   int
	sink       Sink
	stop       <-chan struct{}
}

// errStopped marks the controlled unwind; it never reaches callers.
const errStopped = "effect stopped"

func (h *host) run() error {
	state := lua.NewState()
	lua.OpenLibraries(state)
	h.register(state)

	if err := lua.LoadFile(state, h.scriptPath, ""); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrSpawnFailed, h.scriptPath, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		if h.stopping() {
			return nil
		}
		return fmt.Errorf("effect script failed: %v", err)
	}
	return nil
}

func (h *host) stopping() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *host) checkStop(state *lua.State) {
	if h.stopping() {
		lua.Errorf(state, errStopped)
	}
}

func (h *host) register(state *lua.State) {
	functions := []lua.RegistryFunction{
		{Name: "ledCount", Function: h.luaLedCount},
		{Name: "abort", Function: h.luaAbort},
		{Name: "sleep", Function: h.luaSleep},
		{Name: "setColor", Function: h.luaSetColor},
		{Name: "setLedColors", Function: h.luaSetLedColors},
	}

	state.NewTable()
	lua.SetFunctions(state, functions, 0)

	pushValue(state, h.args)
	state.SetField(-2, "args")

	state.SetGlobal("effect")
}

func (h *host) luaLedCount(state *lua.State) int {
	state.PushInteger(h.ledCount)
	return 1
}

func (h *host) luaAbort(state *lua.State) int {
	state.PushBoolean(h.stopping())
	return 1
}

func (h *host) luaSleep(state *lua.State) int {
	seconds := lua.CheckNumber(state, 1)
	if seconds < 0 {
		seconds = 0
	}

	select {
	case <-h.stop:
		lua.Errorf(state, errStopped)
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
	return 0
}

func (h *host) luaSetColor(state *lua.State) int {
	h.checkStop(state)

	r := lua.CheckInteger(state, 1)
	g := lua.CheckInteger(state, 2)
	b := lua.CheckInteger(state, 3)
	h.sink.EmitColor(color.Color{Red: clampChannel(r), Green: clampChannel(g), Blue: clampChannel(b)})
	return 0
}

func (h *host) luaSetLedColors(state *lua.State) int {
	h.checkStop(state)

	lua.CheckType(state, 1, lua.TypeTable)
	n := state.RawLength(1)

	leds := make([]color.Color, 0, n)
	for i := 1; i <= n; i++ {
		state.RawGetInt(1, i)
		if state.TypeOf(-1) != lua.TypeTable {
			state.Pop(1)
			lua.Errorf(state, "setLedColors: element %d is not a table", i)
		}

		var channels [3]uint8
		for ch := 1; ch <= 3; ch++ {
			state.RawGetInt(-1, ch)
			v, ok := state.ToInteger(-1)
			if !ok {
				state.Pop(2)
				lua.Errorf(state, "setLedColors: element %d channel %d is not a number", i, ch)
			}
			channels[ch-1] = clampChannel(v)
			state.Pop(1)
		}
		state.Pop(1)

		leds = append(leds, color.Color{Red: channels[0], Green: channels[1], Blue: channels[2]})
	}

	h.sink.EmitLedColors(leds)
	return 0
}

func clampChannel(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// pushValue converts a Go value from the args map onto the Lua stack.
func pushValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushInteger(int(v))
	case float64:
		state.PushNumber(v)
	case string:
		state.PushString(v)
	case []any:
		state.NewTable()
		for i, elem := range v {
			pushValue(state, elem)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.NewTable()
		for key, elem := range v {
			pushValue(state, elem)
			state.SetField(-2, key)
		}
	default:
		state.PushString(fmt.Sprint(v))
	}
}
