package discovery

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hazyhaar/scout/horosafe"
)

const (
	schemaCreateJob = "create_job.json"
	schemaDispatch  = "dispatch.json"
	schemaSearch    = "search.json"
	schemaEnrich    = "enrich.json"
)

// payloadSchemas describe the shape of every inbound document. Shape is
// checked before anything is decoded into Go types or written.
var payloadSchemas = map[string]string{
	schemaCreateJob: `{
		"type": "object",
		"required": ["userId", "platform", "targetResults"],
		"properties": {
			"userId":        {"type": "string", "minLength": 1, "maxLength": 128},
			"campaignId":    {"type": "string", "maxLength": 128},
			"platform":      {"type": "string", "minLength": 1, "maxLength": 32},
			"keywords":      {"type": "array", "maxItems": 50, "items": {"type": "string", "maxLength": 100}},
			"targetResults": {"type": "integer", "minimum": 1, "maximum": 10000},
			"seedUsername":  {"type": "string", "maxLength": 100},
			"parentJobId":   {"type": "string", "maxLength": 128},
			"options":       {"type": "object"}
		},
		"anyOf": [
			{"required": ["keywords"], "properties": {"keywords": {"minItems": 1}}},
			{"required": ["seedUsername"], "properties": {"seedUsername": {"minLength": 1}}}
		]
	}`,
	schemaDispatch: `{
		"type": "object",
		"required": ["jobId", "platform", "keywords", "targetResults"],
		"properties": {
			"jobId":         {"type": "string", "minLength": 1, "maxLength": 128},
			"platform":      {"type": "string", "minLength": 1, "maxLength": 32},
			"keywords":      {"type": "array", "items": {"type": "string"}},
			"targetResults": {"type": "integer", "minimum": 0},
			"seedUsername":  {"type": "string"},
			"options":       {"type": "object"}
		}
	}`,
	schemaSearch: `{
		"type": "object",
		"required": ["jobId", "platform"],
		"properties": {
			"jobId":         {"type": "string", "minLength": 1, "maxLength": 128},
			"platform":      {"type": "string", "minLength": 1, "maxLength": 32},
			"keyword":       {"type": "string", "maxLength": 100},
			"seedUsername":  {"type": "string", "maxLength": 100},
			"taskIndex":     {"type": "integer", "minimum": 0},
			"targetResults": {"type": "integer", "minimum": 0},
			"options":       {"type": "object"}
		},
		"anyOf": [
			{"required": ["keyword"], "properties": {"keyword": {"minLength": 1}}},
			{"required": ["seedUsername"], "properties": {"seedUsername": {"minLength": 1}}}
		]
	}`,
	schemaEnrich: `{
		"type": "object",
		"required": ["jobId", "platform", "creatorIds"],
		"properties": {
			"jobId":        {"type": "string", "minLength": 1, "maxLength": 128},
			"platform":     {"type": "string", "minLength": 1, "maxLength": 32},
			"creatorIds":   {"type": "array", "minItems": 1, "maxItems": 100, "items": {"type": "string", "minLength": 1}},
			"batchIndex":   {"type": "integer", "minimum": 0},
			"totalBatches": {"type": "integer", "minimum": 1}
		}
	}`,
}

// validator holds the compiled payload schemas.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	for name, src := range payloadSchemas {
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(payloadSchemas))}
	for name := range payloadSchemas {
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// decode validates body against the named schema, then unmarshals it into
// out. Every failure wraps ErrInvalidInput.
func (v *validator) decode(name string, body []byte, out any) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrInvalidInput, err)
	}
	if err := v.schemas[name].Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// validateRef checks a job or creator id carried in a message.
func validateRef(field, id string) error {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, field, err)
	}
	return nil
}

func (svc *Service) validatePlatform(p string) error {
	if !slices.Contains(svc.config.Pipeline.Platforms, p) {
		return fmt.Errorf("%w: unsupported platform %q", ErrInvalidInput, p)
	}
	return nil
}

// normalizeKeywords trims, lowercases and collapses whitespace, drops
// empty and duplicate terms, keeps the first occurrence order and stops at
// max terms.
func normalizeKeywords(in []string, max int) []string {
	out := make([]string, 0, min(len(in), max))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.Join(strings.Fields(strings.ToLower(k)), " ")
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		if len(out) == max {
			break
		}
	}
	return out
}
