// Package validate implements spec §4.4's input validator: schema
// validation (strict types, length/array/object-key caps) plus
// scanner-gated sanitization, selecting production/non-production policy
// the way spec §4.4 describes.
package validate

import (
	"fmt"

	"keyfront/internal/errx"
	"keyfront/internal/security"
)

// FieldType is a closed set of schema leaf types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Schema is a small recursive validation schema — not a general
// JSON-Schema implementation; spec's "not a general policy language
// runtime" non-goal extends in spirit to "not a general schema runtime"
// (see SPEC_FULL.md).
type Schema struct {
	Type       FieldType
	Required   bool
	MaxLen     int            // strings
	MaxItems   int            // arrays
	MaxKeys    int            // objects
	Properties map[string]*Schema
	Items      *Schema
}

// Mode selects the scanner-gating policy of spec §4.4.
type Mode int

const (
	// Production rejects any high/critical scanner finding outright.
	Production Mode = iota
	// NonProduction sanitizes instead of rejecting. The Validator does not
	// log; the findings are returned in Result.Findings.
	NonProduction
)

// Validator validates and optionally sanitizes payloads against a Schema.
type Validator struct {
	mode Mode
}

// New returns a Validator in the given mode (derived from NODE_ENV at
// the config layer).
func New(mode Mode) *Validator {
	return &Validator{mode: mode}
}

// Result is what Validate returns: the (possibly sanitized) payload plus
// any scanner findings recorded for audit, even when not blocking.
type Result struct {
	Value    any
	Findings []security.Finding
}

// Validate scans payload for injection attempts, applies mode's policy,
// then checks payload against schema. A scanner block takes precedence
// over schema errors since it is the more severe outcome.
func (v *Validator) Validate(payload any, schema *Schema) (*Result, error) {
	findings := security.ScanTree(payload)
	if len(findings) > 0 && security.HasBlockingSeverity(findings) {
		if v.mode == Production {
			return nil, errx.Keyfront.New(errx.SecurityThreat).WithDetail("findings", findings)
		}
		payload = sanitizeTree(payload, findings)
	}

	if schema != nil {
		var fieldErrs []string
		checkSchema("body", payload, schema, &fieldErrs)
		if len(fieldErrs) > 0 {
			return nil, errx.Keyfront.New(errx.ValidationFailed).WithDetail("fields", fieldErrs)
		}
	}

	return &Result{Value: payload, Findings: findings}, nil
}

func sanitizeTree(v any, findings []security.Finding) any {
	switch val := v.(type) {
	case string:
		// Only findings for this exact leaf apply here; ScanTree already
		// field-qualified them, but since Sanitize works purely on the
		// string's content it is safe to apply all findings that matched
		// substrings of val.
		return security.Sanitize(val, findings)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeTree(child, findings)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeTree(child, findings)
		}
		return out
	default:
		return v
	}
}

func checkSchema(path string, v any, schema *Schema, errs *[]string) {
	if v == nil {
		if schema.Required {
			*errs = append(*errs, fmt.Sprintf("%s: required", path))
		}
		return
	}
	switch schema.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected string", path))
			return
		}
		if schema.MaxLen > 0 && len(s) > schema.MaxLen {
			*errs = append(*errs, fmt.Sprintf("%s: too long (max %d)", path, schema.MaxLen))
		}
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			*errs = append(*errs, fmt.Sprintf("%s: expected number", path))
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected bool", path))
		}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected array", path))
			return
		}
		if schema.MaxItems > 0 && len(arr) > schema.MaxItems {
			*errs = append(*errs, fmt.Sprintf("%s: too many items (max %d)", path, schema.MaxItems))
		}
		if schema.Items != nil {
			for i, item := range arr {
				checkSchema(fmt.Sprintf("%s[%d]", path, i), item, schema.Items, errs)
			}
		}
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: expected object", path))
			return
		}
		if schema.MaxKeys > 0 && len(obj) > schema.MaxKeys {
			*errs = append(*errs, fmt.Sprintf("%s: too many keys (max %d)", path, schema.MaxKeys))
		}
		for name, propSchema := range schema.Properties {
			checkSchema(path+"."+name, obj[name], propSchema, errs)
		}
	}
}
