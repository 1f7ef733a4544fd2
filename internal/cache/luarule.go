package cache

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

// LuaClassifier lets an operator override the built-in stability rules
// (see ClassifyContext) with a small Lua script, without recompiling the
// gateway — useful for project-specific conventions the hardcoded
// name-pattern rules don't know about (e.g. "anything under
// generated/ is semi-static here").
//
// The script must define a global function `classify(name, item_type)`
// returning one of "static", "semi_static", "dynamic", "volatile". A
// script that doesn't define classify, or returns something else, falls
// back to ClassifyContext's built-in rules for that item.
type LuaClassifier struct {
	mu    sync.Mutex // an LState is not safe for concurrent calls
	state *lua.LState
}

// NewLuaClassifier compiles and runs script once (to register its
// top-level functions) and returns a reusable classifier. Callers should
// Close it when done.
func NewLuaClassifier(script string) (*LuaClassifier, error) {
	state := lua.NewState()
	if err := state.DoString(script); err != nil {
		state.Close()
		return nil, fmt.Errorf("loading classifier script: %w", err)
	}
	return &LuaClassifier{state: state}, nil
}

// Close releases the Lua interpreter state.
func (c *LuaClassifier) Close() {
	c.state.Close()
}

// Classify calls the script's classify(name, item_type) function. If the
// script has no such function, or it errors, or returns an unrecognized
// value, ok is false and the caller should use ClassifyContext instead.
func (c *LuaClassifier) Classify(item provider.ContextItem) (stability ContentStability, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn := c.state.GetGlobal("classify")
	if fn.Type() != lua.LTFunction {
		return 0, false
	}

	if err := c.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(item.Name), lua.LString(string(item.ItemType))); err != nil {
		return 0, false
	}

	ret := c.state.Get(-1)
	c.state.Pop(1)

	s, isStr := ret.(lua.LString)
	if !isStr {
		return 0, false
	}

	switch string(s) {
	case "static":
		return StabilityStatic, true
	case "semi_static":
		return StabilitySemiStatic, true
	case "dynamic":
		return StabilityDynamic, true
	case "volatile":
		return StabilityVolatile, true
	default:
		return 0, false
	}
}

// SetClassifierOverride installs c as an override that is consulted
// before the built-in ClassifyContext rules for every context item.
func (o *Optimizer) SetClassifierOverride(c *LuaClassifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.classifierOverride = c
}

func (o *Optimizer) classify(item provider.ContextItem) ContentStability {
	o.mu.Lock()
	override := o.classifierOverride
	o.mu.Unlock()

	if override != nil {
		if s, ok := override.Classify(item); ok {
			return s
		}
	}
	return ClassifyContext(item)
}
