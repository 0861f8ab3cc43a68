//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"vocleair/internal/speed"
)

const (
	maxHandlersPerScript = 100
	fanCallTimeout       = 5 * time.Second
)

// registerFanModule registers the `fan` global table in a Lua state.
func registerFanModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return fanOn(L, vm)
	}))
	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		pct := L.CheckInt(1)
		return fanCall(L, vm, e, "set", func(ctx context.Context) error {
			return e.fan.SetSpeed(ctx, pct)
		})
	}))
	mod.RawSetString("off", L.NewFunction(func(L *lua.LState) int {
		return fanCall(L, vm, e, "off", e.fan.TurnOff)
	}))
	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return fanCall(L, vm, e, "toggle", e.fan.Toggle)
	}))
	mod.RawSetString("preset", L.NewFunction(func(L *lua.LState) int {
		p := speed.Preset(L.CheckString(1))
		if _, ok := p.Percentage(); !ok {
			L.ArgError(1, "unknown preset: "+string(p))
			return 0
		}
		return fanCall(L, vm, e, "preset", func(ctx context.Context) error {
			return e.fan.ApplyPreset(ctx, p)
		})
	}))
	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		return fanStatus(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return fanAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.log(e, "info", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("fan", mod)
}

// fan.on(type, [filter], callback)
func fanOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)

	h := luaEventHandler{eventType: eventType}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		filter.ForEach(func(k, v lua.LValue) {
			if h.filter == nil {
				h.filter = make(map[string]string)
			}
			h.filter[k.String()] = v.String()
		})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// fanCall runs a fan command and returns (true) or (false, message) to Lua.
func fanCall(L *lua.LState, vm *scriptVM, e *Engine, name string, fn func(context.Context) error) int {
	ctx, cancel := context.WithTimeout(vm.ctx, fanCallTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		e.logger.Warn("script fan command failed", "cmd", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// fan.status() returns {status, raw, percentage, on} from the cached state.
func fanStatus(L *lua.LState, e *Engine) int {
	fs := e.fan.Fan()
	tbl := L.NewTable()
	tbl.RawSetString("status", lua.LString(e.fan.Status().String()))
	tbl.RawSetString("raw", lua.LNumber(fs.Raw))
	tbl.RawSetString("percentage", lua.LNumber(fs.Percentage))
	tbl.RawSetString("on", lua.LBool(fs.On))
	L.Push(tbl)
	return 1
}

// fan.after(seconds, callback)
func fanAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

func (vm *scriptVM) log(e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
}
