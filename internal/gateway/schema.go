package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Per-method param schemas, compiled once at startup. A violation is
// reported with the offending field named, before any handler runs.
var paramSchemaJSON = map[string]string{
	methodCreateIntentMandate: `{
		"type": "object",
		"properties": {
			"description": {"type": "string"},
			"skillId": {"type": "string"}
		}
	}`,
	methodCreateCartMandate: `{
		"type": "object",
		"properties": {
			"skillId": {"type": "string"},
			"taskDescription": {"type": "string"}
		},
		"required": ["skillId"]
	}`,
	methodProcessPayment: `{
		"type": "object",
		"properties": {
			"cartId": {"type": "string", "minLength": 1},
			"paymentMethod": {"type": "object"},
			"userAuthorization": {"type": "string"}
		},
		"required": ["cartId"]
	}`,
	methodSubmitTask: `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string"},
			"skillId": {"type": "string"},
			"message": {
				"type": "object",
				"properties": {
					"role": {"type": "string"},
					"parts": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"type": {"type": "string"},
								"text": {"type": "string"}
							}
						}
					}
				}
			},
			"paymentMandateId": {"type": "string"}
		},
		"required": ["skillId"]
	}`,
	methodGetTaskStatus: `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1}
		},
		"required": ["taskId"]
	}`,
	methodSendMessage: `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"message": {"type": "object"}
		},
		"required": ["taskId"]
	}`,
}

type paramValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newParamValidator() (*paramValidator, error) {
	pv := &paramValidator{schemas: make(map[string]*jsonschema.Schema, len(paramSchemaJSON))}
	for method, raw := range paramSchemaJSON {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", method, err)
		}
		c := jsonschema.NewCompiler()
		resource := method + ".schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", method, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", method, err)
		}
		pv.schemas[method] = schema
	}
	return pv, nil
}

// validate checks raw params against the method's schema. The returned
// error names the offending field.
func (pv *paramValidator) validate(method string, raw json.RawMessage) error {
	schema, ok := pv.schemas[method]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("params must be a JSON object: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid params: %s", err)
	}
	return nil
}
