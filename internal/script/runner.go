// Package script runs host programs that choose which sensors and actions are
// exercised on a tick. The default runner does nothing; the Starlark runner
// exposes the coordinator's capabilities as builtins.
package script

import (
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/talgya/weavelang/internal/weave"
)

// Host is what a program may touch.
type Host interface {
	Sense(name, agentID string) weave.Value
	Act(name, agentID string, v weave.Value) error
	Coherence(agentID string) (float64, error)
	Define(alias, action string) error
	Extend(agentID, param string, v float64, cond bool) (bool, error)
	Tick() uint64
}

// Runner executes program text against a host.
type Runner interface {
	Run(src string, h Host) error
}

// Noop ignores every program.
type Noop struct{}

// Run does nothing.
func (Noop) Run(string, Host) error { return nil }

// DefaultMaxSteps bounds a single Starlark program execution.
const DefaultMaxSteps = 1_000_000

// Starlark runs programs written in Starlark. Builtins:
//
//	sense(name, agent)                 -> float | (x, y, z)
//	act(name, agent, value=None)
//	coherence(agent)                   -> float
//	define(alias, action)
//	extend(agent, param, value, cond=True) -> bool
//	tick()                             -> int
type Starlark struct {
	MaxSteps uint64
}

// Run executes src once.
func (r Starlark) Run(src string, h Host) error {
	steps := r.MaxSteps
	if steps == 0 {
		steps = DefaultMaxSteps
	}

	thread := &starlark.Thread{
		Name: "weave-program",
		Print: func(_ *starlark.Thread, msg string) {
			slog.Info("program", "tick", h.Tick(), "msg", msg)
		},
	}
	thread.SetMaxExecutionSteps(steps)

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
	}
	_, err := starlark.ExecFileOptions(opts, thread, "program.star", src, builtins(h))
	if err != nil {
		return fmt.Errorf("run program: %w", err)
	}
	return nil
}

func builtins(h Host) starlark.StringDict {
	return starlark.StringDict{
		"sense": starlark.NewBuiltin("sense", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, agent string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "agent", &agent); err != nil {
				return nil, err
			}
			return toStarlark(h.Sense(name, agent)), nil
		}),

		"act": starlark.NewBuiltin("act", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, agent string
			var raw starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "agent", &agent, "value?", &raw); err != nil {
				return nil, err
			}
			v, err := fromStarlark(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.None, h.Act(name, agent, v)
		}),

		"coherence": starlark.NewBuiltin("coherence", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var agent string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "agent", &agent); err != nil {
				return nil, err
			}
			c, err := h.Coherence(agent)
			if err != nil {
				return nil, err
			}
			return starlark.Float(c), nil
		}),

		"define": starlark.NewBuiltin("define", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var alias, action string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "alias", &alias, "action", &action); err != nil {
				return nil, err
			}
			return starlark.None, h.Define(alias, action)
		}),

		"extend": starlark.NewBuiltin("extend", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var agent, param string
			var value float64
			cond := true
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "agent", &agent, "param", &param, "value", &value, "cond?", &cond); err != nil {
				return nil, err
			}
			ok, err := h.Extend(agent, param, value, cond)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(ok), nil
		}),

		"tick": starlark.NewBuiltin("tick", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			return starlark.MakeUint64(h.Tick()), nil
		}),
	}
}

func toStarlark(v weave.Value) starlark.Value {
	if v.Kind == weave.KindVector {
		return starlark.Tuple{
			starlark.Float(v.Vector.X),
			starlark.Float(v.Vector.Y),
			starlark.Float(v.Vector.Z),
		}
	}
	return starlark.Float(v.Scalar)
}

func fromStarlark(v starlark.Value) (weave.Value, error) {
	if v == starlark.None {
		return weave.Value{}, nil
	}
	if f, ok := starlark.AsFloat(v); ok {
		return weave.Scalar(f), nil
	}
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return weave.Value{}, fmt.Errorf("value of type %s: %w", v.Type(), weave.ErrInvalidArgument)
	}
	if seq.Len() > 3 {
		return weave.Value{}, fmt.Errorf("vector of %d components: %w", seq.Len(), weave.ErrInvalidArgument)
	}
	comps := make([]float64, seq.Len())
	for i := range comps {
		f, ok := starlark.AsFloat(seq.Index(i))
		if !ok {
			return weave.Value{}, fmt.Errorf("component %d of type %s: %w", i, seq.Index(i).Type(), weave.ErrInvalidArgument)
		}
		comps[i] = f
	}
	return weave.Vector(weave.VecFrom(comps)), nil
}
