// Package schema checks pipeline files against the embedded JSON schema.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	schemafs "github.com/AndreyAkinshin/shipyard/schema"
)

// compiled is built on first use and shared by every validation.
var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemafs.Pipeline))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", schemafs.PipelineName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemafs.PipelineName, doc); err != nil {
		return nil, fmt.Errorf("load %s: %w", schemafs.PipelineName, err)
	}
	return c.Compile(schemafs.PipelineName)
})

// ValidatePipeline validates JSON data against the pipeline schema.
func ValidatePipeline(data []byte) error {
	sch, err := compiled()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("pipeline is not JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("pipeline does not match schema: %w", err)
	}
	return nil
}

// ValidatePipelineYAML validates a pipeline file. An empty document is
// treated as an empty mapping so that the missing sections are reported.
func ValidatePipelineYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("pipeline is not YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pipeline to JSON: %w", err)
	}
	return ValidatePipeline(asJSON)
}
