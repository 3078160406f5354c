package forms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "https://formsync.local/schemas/form-snapshot.json"

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "template", "values", "status", "sequence"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "status": {"enum": ["draft", "completed"]},
    "sequence": {"type": "integer", "minimum": 0},
    "updatedAt": {"type": "string"},
    "values": {"type": "object"},
    "modified": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "template": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "id": {"type": "string"},
        "label": {"type": "string"},
        "revision": {"type": "string"},
        "fields": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string"},
              "label": {"type": "string"},
              "required": {"type": "boolean"}
            }
          }
        }
      }
    }
  }
}`

var (
	snapshotSchemaOnce sync.Once
	snapshotSchemaErr  error
	compiledSnapshot   *jsonschema.Schema
)

func loadSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			snapshotSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
			snapshotSchemaErr = err
			return
		}
		compiledSnapshot, snapshotSchemaErr = compiler.Compile(snapshotSchemaURL)
	})
	return compiledSnapshot, snapshotSchemaErr
}

// Encode serializes the full form snapshot.
func Encode(form Form) ([]byte, error) {
	if strings.TrimSpace(form.ID) == "" {
		return nil, ErrInvalidInput
	}
	if form.Values == nil {
		form.Values = map[string]any{}
	}
	if form.Template.Fields == nil {
		form.Template.Fields = []Field{}
	}
	return json.Marshal(form)
}

// Decode validates data against the snapshot schema before unmarshalling,
// so a truncated or foreign record is rejected instead of half-loaded.
func Decode(data []byte) (Form, error) {
	schema, err := loadSnapshotSchema()
	if err != nil {
		return Form{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Form{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Form{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var form Form
	if err := json.Unmarshal(data, &form); err != nil {
		return Form{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if form.Values == nil {
		form.Values = map[string]any{}
	}
	if form.Modified == nil {
		form.Modified = map[string]time.Time{}
	}
	return form, nil
}
