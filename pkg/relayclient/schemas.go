package relayclient

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"snippet-relay/internal/domain"
	"snippet-relay/pkg/protocol"
)

type props map[string]any

var (
	nonEmpty = props{"type": "string", "minLength": 1}
	present  = props{"not": props{"type": "null"}}
	index    = props{"type": "integer", "minimum": 0}
	number   = props{"type": "number"}
)

func object(properties props, required ...string) props {
	s := props{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func named(extra props, required ...string) props {
	properties := props{"name": nonEmpty}
	for k, v := range extra {
		properties[k] = v
	}
	return object(properties, append([]string{"name"}, required...)...)
}

// argSchemas holds the argument schema of each known call.
var argSchemas = map[string]props{
	protocol.FnAddSnippet:      named(nil),
	protocol.FnDeleteSnippet:   named(nil),
	protocol.FnListSnippets:    object(props{}),
	protocol.FnSnippetSetData:  named(props{"data": present}, "data"),
	protocol.FnSnippetAddData:  named(props{"x": present, "y": present}, "x", "y"),
	protocol.FnSnippetRemove:   named(props{"index": index}, "index"),
	protocol.FnSnippetTrain:    named(nil),
	protocol.FnSnippetPlotLoss: named(nil),
	protocol.FnSnippetPlot1D: named(props{
		"x":    present,
		"dim":  index,
		"rmin": number,
		"rmax": number,
		"n":    props{"type": "integer", "minimum": 1},
	}, "x", "dim", "rmin", "rmax", "n"),
	protocol.FnSnippetPredict1: named(props{"data": present}, "data"),
	protocol.FnSnippetPredict:  named(props{"data": props{"type": "array"}}, "data"),
	protocol.FnSnippetSample:   named(props{"data": present}, "data"),
	protocol.FnSnippetSetProp:  named(props{"propName": nonEmpty, "val": present}, "propName", "val"),
	protocol.FnSnippetGetProp:  named(props{"propName": nonEmpty}, "propName"),
	protocol.FnSnippetLoadGPR:  named(props{"kernelData": present}, "kernelData"),
	protocol.FnStopSampler:     object(props{}),
	protocol.FnSamplerRunning:  object(props{}),
	protocol.FnReset:           object(props{}),
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(argSchemas))
	for fn, s := range argSchemas {
		raw, err := json.Marshal(s)
		if err != nil {
			panic(fmt.Sprintf("relayclient: encode schema for %q: %v", fn, err))
		}
		schema, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			panic(fmt.Sprintf("relayclient: compile schema for %q: %v", fn, err))
		}
		out[fn] = schema
	}
	return out
}()

// validateArgs checks args against the schema of fn. Unknown names pass.
func validateArgs(fn string, args any) error {
	schema, ok := compiledSchemas[fn]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrLocalValidation, fn, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrLocalValidation, fn, err)
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("%w: %q: %s", domain.ErrLocalValidation, fn, result.Error())
	}
	return nil
}
