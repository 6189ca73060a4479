package verb

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// ReservedProperty carries hand-off parameters between processes and is accepted on every verb.
const ReservedProperty = "_"

// verbs.json holds one JSON schema per verb under "verbs" and the shared
// nested shapes under "definitions". Verbs may refer to each other, as gather does to say.
//
//go:embed schemas/verbs.json
var verbsJSON []byte

type document struct {
	Definitions map[string]map[string]any `json:"definitions"`
	Verbs       map[string]map[string]any `json:"verbs"`
}

var verbSchemas = mustCompile(verbsJSON)

func mustCompile(raw []byte) map[string]*gojsonschema.Schema {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("verb schemas: %v", err))
	}

	defs := make(map[string]any, len(doc.Definitions)+len(doc.Verbs))
	for name, s := range doc.Definitions {
		defs[name] = s
	}
	for name, s := range doc.Verbs {
		props, _ := s["properties"].(map[string]any)
		if props == nil {
			props = make(map[string]any)
			s["properties"] = props
		}
		props[ReservedProperty] = map[string]any{"type": "object"}
		defs[name] = s
	}

	compiled := make(map[string]*gojsonschema.Schema, len(doc.Verbs))
	for name := range doc.Verbs {
		root := map[string]any{
			"definitions": defs,
			"allOf":       []any{map[string]any{"$ref": "#/definitions/" + name}},
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(root))
		if err != nil {
			panic(fmt.Sprintf("verb schema %s: %v", name, err))
		}
		compiled[name] = schema
	}
	return compiled
}

// Names returns every verb with a schema
func Names() []string {
	names := make([]string, 0, len(verbSchemas))
	for name := range verbSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitHookVerbs are the only verbs a queue or conference wait hook may return.
var WaitHookVerbs = map[string]bool{
	"play":  true,
	"say":   true,
	"pause": true,
	"leave": true,
}
