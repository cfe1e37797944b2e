package config

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// rootKeys lists the pipeline file's top-level keys in document order.
// Nested sections are closed by the schema and need no check here.
func rootKeys(data []byte) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil
	}
	m := doc.Content[0]
	keys := make([]string, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys = append(keys, m.Content[i].Value)
	}
	return keys, nil
}

// detectUnknownFields returns a warning for every root key that no Config
// field claims.
func detectUnknownFields(data []byte) []string {
	keys, err := rootKeys(data)
	if err != nil {
		return []string{fmt.Sprintf("could not scan pipeline file for unknown fields: %v", err)}
	}
	known := knownTopLevel()
	var warnings []string
	for _, key := range keys {
		if _, ok := known[key]; key != "$schema" && !ok {
			warnings = append(warnings, fmt.Sprintf("unknown field %q at root level (ignored)", key))
		}
	}
	return warnings
}

// knownTopLevel maps every top-level key to the kind of its Config field.
func knownTopLevel() map[string]reflect.Kind {
	t := reflect.TypeFor[Config]()
	known := make(map[string]reflect.Kind, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if name, _, _ := strings.Cut(f.Tag.Get("koanf"), ","); name != "" && name != "-" {
			known[name] = f.Type.Kind()
		}
	}
	return known
}
