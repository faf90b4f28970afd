package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookEventSchema gates what reaches the dispatcher: anything that is not
// a well-formed Notion webhook event is ignored rather than processed.
const webhookEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "timestamp", "workspace_id", "type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string", "minLength": 1},
		"workspace_id": {"type": "string", "minLength": 1},
		"subscription_id": {"type": "string"},
		"integration_id": {"type": "string"},
		"attempt_number": {"type": "integer"},
		"type": {"type": "string", "minLength": 1},
		"entity": {
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"type": {"type": "string"}
			}
		},
		"data": {"type": "object"}
	}
}`

type webhookValidator struct {
	schema *jsonschema.Schema
}

func newWebhookValidator() (*webhookValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook-event.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("webhook-event.json")
	if err != nil {
		return nil, err
	}
	return &webhookValidator{schema: schema}, nil
}

// validate checks the raw request body against the webhook event schema.
func (v *webhookValidator) validate(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return v.schema.Validate(instance)
}
