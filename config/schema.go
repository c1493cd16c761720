package config

import (
	_ "embed"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

// schema returns the compiled #Config definition together with the context
// it belongs to. Values unified with it must be built in the same context.
func schema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		root := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := root.Err(); err != nil {
			schemaErr = err
			return
		}
		schemaValue = root.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaValue.Err()
	})
	return schemaCtx, schemaValue, schemaErr
}

// Schema returns the CUE source of the configuration schema.
func Schema() string {
	return schemaSource
}
