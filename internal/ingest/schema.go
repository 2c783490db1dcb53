package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const writeEntrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": {"type": "string", "minLength": 1, "maxLength": 65536},
    "visibility": {"type": "string"},
    "humanVisible": {"type": "boolean"},
    "aiOnly": {"type": "boolean"},
    "isReflection": {"type": "boolean"},
    "destinations": {
      "type": "array",
      "maxItems": 32,
      "items": {"type": "string", "maxLength": 512}
    },
    "inReplyTo": {"type": "string", "maxLength": 128},
    "topicHints": {
      "type": "array",
      "maxItems": 16,
      "items": {"type": "string", "maxLength": 64}
    },
    "authorHandle": {"type": "string", "maxLength": 64},
    "stagingDelaySeconds": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

const importConversationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["content"],
  "properties": {
    "title": {"type": "string", "maxLength": 256},
    "content": {"type": "string", "minLength": 1, "maxLength": 1048576},
    "visibility": {"type": "string"},
    "humanVisible": {"type": "boolean"},
    "aiOnly": {"type": "boolean"},
    "stagingDelaySeconds": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var (
	compileOnce        sync.Once
	entrySchema        *jsonschema.Schema
	conversationSchema *jsonschema.Schema
	compileErr         error
)

func compile() {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"write-entry.json":         writeEntrySchema,
		"import-conversation.json": importConversationSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			compileErr = fmt.Errorf("parse schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			compileErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}
	var err error
	if entrySchema, err = compiler.Compile("write-entry.json"); err != nil {
		compileErr = fmt.Errorf("compile entry schema: %w", err)
		return
	}
	if conversationSchema, err = compiler.Compile("import-conversation.json"); err != nil {
		compileErr = fmt.Errorf("compile conversation schema: %w", err)
	}
}

func validate(schemaFor func() *jsonschema.Schema, payload []byte) error {
	compileOnce.Do(compile)
	if compileErr != nil {
		return compileErr
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schemaFor().Validate(inst)
}

// ValidateWriteEntry checks a raw write-entry payload against the schema.
func ValidateWriteEntry(payload []byte) error {
	return validate(func() *jsonschema.Schema { return entrySchema }, payload)
}

// ValidateImportConversation checks a raw conversation-import payload.
func ValidateImportConversation(payload []byte) error {
	return validate(func() *jsonschema.Schema { return conversationSchema }, payload)
}
