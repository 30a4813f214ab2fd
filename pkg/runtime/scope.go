// Package runtime implements the script execution engine.
package runtime

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lemonberrylabs/yrunner/pkg/expr"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Environment is the single variable scope of a script run. Every command,
// including those nested in if and while bodies, reads and writes the same
// bindings.
type Environment struct {
	mu   sync.RWMutex
	vars map[string]types.Value
}

// NewEnvironment creates an empty environment.
func NewEnvironment() *Environment {
	return &Environment{vars: make(map[string]types.Value)}
}

// NewEnvironmentFrom creates an environment pre-seeded with vars.
func NewEnvironmentFrom(vars map[string]types.Value) *Environment {
	env := NewEnvironment()
	for k, v := range vars {
		env.vars[k] = v
	}
	return env
}

// EnvironmentFromValue seeds an environment from a map value, e.g. decoded
// run arguments. A null value yields an empty environment.
func EnvironmentFromValue(v types.Value) (*Environment, error) {
	env := NewEnvironment()
	switch v.Type() {
	case types.TypeNull:
		return env, nil
	case types.TypeMap:
		m := v.AsMap()
		for _, k := range m.Keys() {
			val, _ := m.Get(k)
			env.vars[k] = val
		}
		return env, nil
	}
	return nil, fmt.Errorf("variables must be a map, got %s", v.Type())
}

// Get implements expr.Scope.
func (e *Environment) Get(name string) (types.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

// Lookup resolves a dotted path the way expressions do.
func (e *Environment) Lookup(path string) (types.Value, error) {
	return expr.Resolve(path, e)
}

// Set binds name to value.
func (e *Environment) Set(name string, value types.Value) {
	e.mu.Lock()
	e.vars[name] = value
	e.mu.Unlock()
}

// Delete removes a binding.
func (e *Environment) Delete(name string) {
	e.mu.Lock()
	delete(e.vars, name)
	e.mu.Unlock()
}

// Len returns the number of bindings.
func (e *Environment) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vars)
}

// Names returns the bound names in sorted order.
func (e *Environment) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the bindings.
func (e *Environment) Snapshot() map[string]types.Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]types.Value, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// ToValue returns the bindings as a map value with sorted keys.
func (e *Environment) ToValue() types.Value {
	return types.NewMapFromGoMap(e.Snapshot())
}

// SetPath sets a value by dotted/index path (e.g. "obj.key", "list[0]").
// Missing intermediate map keys are created. The root binding is copied
// before it is modified, so values shared with other variables stay intact.
func (e *Environment) SetPath(path string, value types.Value) error {
	parts := parseAssignmentPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty assignment path")
	}
	if parts[0].isIndex || parts[0].name == "" {
		return fmt.Errorf("invalid assignment path %q", path)
	}

	if len(parts) == 1 {
		e.Set(parts[0].name, value)
		return nil
	}

	rootName := parts[0].name
	root, ok := e.Get(rootName)
	switch {
	case !ok || root.IsNull():
		root = types.NewMap(types.NewOrderedMap())
	default:
		root = root.Clone()
	}

	current := root
	for i := 1; i < len(parts)-1; i++ {
		next, err := accessPart(current, parts[i], true)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		current = next
	}

	if err := setPart(current, parts[len(parts)-1], value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	e.Set(rootName, root)
	return nil
}

type pathPart struct {
	name    string // property name
	index   int    // array index (only used if isIndex is true)
	isIndex bool
}

func parseAssignmentPath(path string) []pathPart {
	var parts []pathPart
	i := 0

	for i < len(path) {
		if path[i] == '[' {
			j := strings.Index(path[i:], "]")
			if j == -1 {
				break
			}
			indexStr := path[i+1 : i+j]
			if len(indexStr) >= 2 && (indexStr[0] == '"' && indexStr[len(indexStr)-1] == '"') {
				parts = append(parts, pathPart{name: indexStr[1 : len(indexStr)-1]})
			} else if idx, err := strconv.Atoi(indexStr); err == nil {
				parts = append(parts, pathPart{index: idx, isIndex: true})
			} else {
				parts = append(parts, pathPart{name: indexStr})
			}
			i += j + 1
			if i < len(path) && path[i] == '.' {
				i++
			}
		} else {
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			parts = append(parts, pathPart{name: path[i:j]})
			i = j
			if i < len(path) && path[i] == '.' {
				i++
			}
		}
	}

	return parts
}

// accessPart returns the child addressed by p. With create set, a missing
// map key is bound to a new empty map.
func accessPart(v types.Value, p pathPart, create bool) (types.Value, error) {
	if p.isIndex {
		if v.Type() != types.TypeList {
			return types.Null, fmt.Errorf("index access on non-list (%s)", v.Type())
		}
		list := v.AsList()
		if p.index < 0 || p.index >= len(list) {
			return types.Null, fmt.Errorf("index %d out of range (length %d)", p.index, len(list))
		}
		return list[p.index], nil
	}

	if v.Type() != types.TypeMap {
		return types.Null, fmt.Errorf("property access '%s' on non-map (%s)", p.name, v.Type())
	}
	val, ok := v.AsMap().Get(p.name)
	if !ok || (create && val.IsNull()) {
		if !create {
			return types.Null, fmt.Errorf("key '%s' not found", p.name)
		}
		val = types.NewMap(types.NewOrderedMap())
		v.AsMap().Set(p.name, val)
	}
	return val, nil
}

func setPart(v types.Value, p pathPart, value types.Value) error {
	if p.isIndex {
		if v.Type() != types.TypeList {
			return fmt.Errorf("index assignment on non-list (%s)", v.Type())
		}
		list := v.AsList()
		if p.index < 0 || p.index >= len(list) {
			return fmt.Errorf("index %d out of range (length %d)", p.index, len(list))
		}
		list[p.index] = value
		return nil
	}

	if v.Type() != types.TypeMap {
		return fmt.Errorf("property assignment '%s' on non-map (%s)", p.name, v.Type())
	}
	v.AsMap().Set(p.name, value)
	return nil
}
