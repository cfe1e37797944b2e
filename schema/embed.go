// Package schema holds the JSON schema that pipeline files are checked
// against. Editors can reference it through the $schema key.
package schema

import _ "embed"

// PipelineName is the resource name the pipeline schema is compiled under.
const PipelineName = "pipeline.schema.json"

//go:embed pipeline.schema.json
var Pipeline []byte
