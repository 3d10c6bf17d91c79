package wasmhost

import (
	"strings"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
)

// lifecycleHooks are the optional exports a module may declare beyond
// __init__ and its reducers (spec §4.5 item 4, §6.3 "Module").
var lifecycleHooks = map[string]bool{
	"__identity_connected__":    true,
	"__identity_disconnected__": true,
}

const initExport = "__init__"

// Module is a compiled wasm binary together with the reducer/lifecycle
// surface it declares, discovered once at load time so Invoke doesn't
// need to re-walk exports on every call (spec §4.4: "Loads a
// WebAssembly module that imports the ABI in §6.3 and exports
// __init__, zero or more reducers, and optional lifecycle hooks").
type Module struct {
	bytes    []byte
	exports  map[string]bool
	Reducers []string
	HasInit  bool
	Hooks    map[string]bool
}

// LoadModule parses wasmBytes, checks that it exports a linear memory
// named "memory", and classifies every function export as __init__, a
// lifecycle hook, or a reducer. The module's imports are not checked
// here.
func LoadModule(engine *wasmer.Engine, wasmBytes []byte) (*Module, error) {
	wstore := wasmer.NewStore(engine)
	mod, err := wasmer.NewModule(wstore, wasmBytes)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BadRequest, "parse wasm module", err)
	}

	m := &Module{
		bytes:   append([]byte(nil), wasmBytes...),
		exports: make(map[string]bool),
		Hooks:   make(map[string]bool),
	}

	sawMemory := false
	for _, exp := range mod.Exports() {
		name := exp.Name()
		if exp.Type().Kind() == wasmer.MEMORY {
			if name == "memory" {
				sawMemory = true
			}
			continue
		}
		if exp.Type().Kind() != wasmer.FUNCTION {
			continue
		}
		m.exports[name] = true
		switch {
		case name == initExport:
			m.HasInit = true
		case lifecycleHooks[name]:
			m.Hooks[name] = true
		case strings.HasPrefix(name, "__"):
			// Reserved export namespace (spec §6.3 names every host
			// import with a leading underscore; module-side reserved
			// exports follow the same convention) — not a reducer.
		default:
			m.Reducers = append(m.Reducers, name)
		}
	}
	if !sawMemory {
		return nil, engineerr.New(engineerr.BadRequest, "module does not export linear memory")
	}

	return m, nil
}

// HasReducer reports whether name is an exported reducer (or __init__ /
// a lifecycle hook).
func (m *Module) HasReducer(name string) bool {
	return m.exports[name]
}
