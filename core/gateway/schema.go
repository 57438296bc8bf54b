package gateway

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/modelgate/modelgate/core/apierr"
)

// Request body schemas for the OpenAI-compatible operations. Validation is
// strict: unknown top-level fields are rejected so typos fail fast instead
// of being silently dropped by the backend.
const chatCompletionsSchema = `{
  "type": "object",
  "required": ["model", "messages"],
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["system", "user", "assistant", "tool"]},
          "content": {},
          "name": {"type": "string"},
          "tool_call_id": {"type": "string"}
        }
      }
    },
    "max_tokens": {"type": "integer", "minimum": 1},
    "max_completion_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "top_p": {"type": "number", "minimum": 0, "maximum": 1},
    "n": {"type": "integer", "minimum": 1},
    "stream": {"type": "boolean"},
    "stop": {},
    "presence_penalty": {"type": "number"},
    "frequency_penalty": {"type": "number"},
    "logit_bias": {"type": "object"},
    "logprobs": {"type": "boolean"},
    "top_logprobs": {"type": "integer"},
    "seed": {"type": "integer"},
    "user": {"type": "string"},
    "tools": {"type": "array"},
    "tool_choice": {},
    "response_format": {"type": "object"}
  }
}`

const completionsSchema = `{
  "type": "object",
  "required": ["model", "prompt"],
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "prompt": {},
    "suffix": {"type": "string"},
    "max_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "top_p": {"type": "number", "minimum": 0, "maximum": 1},
    "n": {"type": "integer", "minimum": 1},
    "stream": {"type": "boolean"},
    "logprobs": {"type": "integer"},
    "echo": {"type": "boolean"},
    "stop": {},
    "presence_penalty": {"type": "number"},
    "frequency_penalty": {"type": "number"},
    "best_of": {"type": "integer"},
    "seed": {"type": "integer"},
    "user": {"type": "string"}
  }
}`

const embeddingsSchema = `{
  "type": "object",
  "required": ["model", "input"],
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "input": {},
    "encoding_format": {"enum": ["float", "base64"]},
    "dimensions": {"type": "integer", "minimum": 1},
    "user": {"type": "string"}
  }
}`

const batchSubmitSchema = `{
  "type": "object",
  "required": ["model", "input_ref"],
  "additionalProperties": false,
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "input_ref": {"type": "string", "minLength": 1},
    "operation": {"enum": ["chat/completions", "completions", "embeddings"]},
    "params": {"type": "object"}
  }
}`

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	v := &validator{schemas: make(map[string]*jsonschema.Schema)}
	for op, src := range map[string]string{
		"chat/completions": chatCompletionsSchema,
		"completions":      completionsSchema,
		"embeddings":       embeddingsSchema,
		"batches":          batchSubmitSchema,
	} {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(op+".json", strings.NewReader(src)); err != nil {
			return nil, err
		}
		schema, err := c.Compile(op + ".json")
		if err != nil {
			return nil, err
		}
		v.schemas[op] = schema
	}
	return v, nil
}

// validate checks the payload against the operation's schema and returns the
// decoded body for field access.
func (v *validator) validate(operation string, payload []byte) (map[string]any, error) {
	schema, ok := v.schemas[operation]
	if !ok {
		return nil, apierr.Resolution("unsupported operation %q", operation)
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apierr.Validation("request body is not valid JSON: %v", err)
	}
	if err := schema.Validate(body); err != nil {
		return nil, apierr.Validation("request body invalid: %v", err)
	}
	return body, nil
}
