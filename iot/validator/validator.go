// Package validator runs scenarios of checks against a device.
//
// A scenario is a JSON document like
//
//	{
//	  "device_id": "dev-1",
//	  "checks": [
//	    {"name": "reboot", "kind": "method", "method": "reboot", "payload": {}, "expect_status": 200},
//	    {"name": "color", "kind": "desired", "property": "color", "value": "red"},
//	    {"name": "temperature", "kind": "reported", "property": "temperature",
//	     "schema": {"type": "number", "minimum": -40}}
//	  ]
//	}
//
// Checks run in order. A method check invokes a direct method and compares the status, a desired
// check sets a desired property and reads it back, a reported check validates a reported property,
// or all reported properties if no property is given, against a JSON schema and an expected value.
//
// Instead of an inline schema, a check can name a schema by its $id with "schema_id". Named schemas
// are passed to Run with WithSchemas, see schema.NewValidatorFromFS.
package validator

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dmtools/core/logger"
	"github.com/relabs-tech/dmtools/core/schema"
	"github.com/relabs-tech/dmtools/iot"
	"github.com/relabs-tech/dmtools/iot/devicemgmt"
)

// Check kinds
const (
	KindMethod   = "method"
	KindDesired  = "desired"
	KindReported = "reported"
)

// Check is a single step of a scenario
type Check struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ExpectStatus *int            `json:"expect_status,omitempty"`

	Property string          `json:"property,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`

	// Schema validates the method answer or the reported property
	Schema json.RawMessage `json:"schema,omitempty"`
	// SchemaID names a schema of the validator passed with WithSchemas
	SchemaID string `json:"schema_id,omitempty"`
}

// Scenario is a list of checks on one device
type Scenario struct {
	DeviceID string  `json:"device_id"`
	Checks   []Check `json:"checks"`
}

// Result is the outcome of a check
type Result struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a scenario
type Report struct {
	DeviceID string   `json:"device_id"`
	Results  []Result `json:"results"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
}

// OK returns true if all checks passed
func (r Report) OK() bool {
	return r.Failed == 0
}

const scenarioSchemaID = "https://relabs.tech/dmtools/scenario.json"

const scenarioSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "` + scenarioSchemaID + `",
  "type": "object",
  "required": ["device_id", "checks"],
  "properties": {
    "device_id": {"type": "string", "minLength": 1},
    "checks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "kind": {"enum": ["method", "desired", "reported"]},
          "method": {"type": "string"},
          "expect_status": {"type": "integer"},
          "property": {"type": "string"},
          "schema": {"type": "object"},
          "schema_id": {"type": "string", "minLength": 1}
        },
        "allOf": [
          {"if": {"properties": {"kind": {"const": "method"}}}, "then": {"required": ["method"]}},
          {"if": {"properties": {"kind": {"const": "desired"}}}, "then": {"required": ["property", "value"]}}
        ]
      }
    }
  }
}`

var scenarioValidator = mustValidator(scenarioSchema)

func mustValidator(schemas ...string) *schema.Validator {
	v, err := schema.NewValidator(schemas, nil)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseScenario parses and validates a scenario document
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := scenarioValidator.ValidateString(string(data), scenarioSchemaID); err != nil {
		return s, fmt.Errorf("invalid scenario: %v: %w", err, iot.ErrMalformedRequest)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("invalid scenario: %v: %w", err, iot.ErrMalformedRequest)
	}
	return s, nil
}

// LoadScenario reads a scenario file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("cannot read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

type runner struct {
	manager  *devicemgmt.Manager
	deviceID string
	schemas  *schema.Validator
}

// Option is an option for Run
type Option func(*runner)

// WithSchemas provides the named schemas for checks with a schema_id
func WithSchemas(v *schema.Validator) Option {
	return func(r *runner) { r.schemas = v }
}

// Run executes the checks of s in order. It does not stop at failed checks, but it stops when
// ctx is done, reporting the remaining checks as failed.
func Run(ctx context.Context, m *devicemgmt.Manager, s Scenario, opts ...Option) Report {
	r := &runner{manager: m, deviceID: s.DeviceID}
	for _, opt := range opts {
		opt(r)
	}
	ctx, rlog := logger.ContextWithDevice(ctx, s.DeviceID, "validate")
	report := Report{DeviceID: s.DeviceID}

	for _, check := range s.Checks {
		start := time.Now()
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = r.runCheck(ctx, check)
		}

		result := Result{
			Name:     check.Name,
			Kind:     check.Kind,
			Passed:   err == nil,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Message = err.Error()
			report.Failed++
			rlog.Warnf("check %s failed: %s", check.Name, result.Message)
		} else {
			report.Passed++
			rlog.Infof("check %s passed", check.Name)
		}
		report.Results = append(report.Results, result)
	}
	return report
}

func (r *runner) runCheck(ctx context.Context, check Check) error {
	switch check.Kind {
	case KindMethod:
		return r.checkMethod(ctx, check)
	case KindDesired:
		return r.checkDesired(ctx, check)
	case KindReported:
		return r.checkReported(ctx, check)
	}
	return fmt.Errorf("unknown check kind '%s': %w", check.Kind, iot.ErrMalformedRequest)
}

// validate validates document against the inline schema and the named schema of check
func (r *runner) validate(check Check, document string) error {
	if len(check.Schema) > 0 {
		if err := schema.ValidateWithSchema(string(check.Schema), document); err != nil {
			return err
		}
	}
	if check.SchemaID != "" {
		if r.schemas == nil || !r.schemas.HasSchema(check.SchemaID) {
			return fmt.Errorf("unknown schema %s: %w", check.SchemaID, iot.ErrMalformedRequest)
		}
		return r.schemas.ValidateString(document, check.SchemaID)
	}
	return nil
}

func (r *runner) checkMethod(ctx context.Context, check Check) error {
	value, err := r.manager.InvokeDirectMethod(ctx, r.deviceID, check.Method, string(check.Payload))
	if err != nil {
		return err
	}
	if check.ExpectStatus != nil && value.Status != *check.ExpectStatus {
		return fmt.Errorf("method %s returned status %d, expected %d", check.Method, value.Status, *check.ExpectStatus)
	}
	if err := r.validate(check, value.Payload); err != nil {
		return fmt.Errorf("answer of method %s: %w", check.Method, err)
	}
	return nil
}

func (r *runner) checkDesired(ctx context.Context, check Check) error {
	if err := r.manager.UpdateDesiredProperty(ctx, r.deviceID, check.Property, check.Value); err != nil {
		return err
	}
	data, err := r.manager.GetDeviceData(ctx, r.deviceID)
	if err != nil {
		return err
	}
	var desired map[string]interface{}
	if err := json.Unmarshal([]byte(data.Desired), &desired); err != nil {
		return fmt.Errorf("cannot parse desired properties: %w", err)
	}
	actual, ok := desired[check.Property]
	if !ok && string(check.Value) != "null" {
		return fmt.Errorf("desired property %s missing after update", check.Property)
	}
	return compare(check.Property, actual, check.Value)
}

func (r *runner) checkReported(ctx context.Context, check Check) error {
	data, err := r.manager.GetDeviceData(ctx, r.deviceID)
	if err != nil {
		return err
	}

	document := []byte(data.Reported)
	var actual interface{}
	if check.Property != "" {
		var reported map[string]interface{}
		if err := json.Unmarshal(document, &reported); err != nil {
			return fmt.Errorf("cannot parse reported properties: %w", err)
		}
		var ok bool
		actual, ok = reported[check.Property]
		if !ok {
			return fmt.Errorf("reported property %s missing", check.Property)
		}
		document, _ = json.Marshal(actual)
	} else if err := json.Unmarshal(document, &actual); err != nil {
		return fmt.Errorf("cannot parse reported properties: %w", err)
	}

	if err := r.validate(check, string(document)); err != nil {
		return fmt.Errorf("reported property %s: %w", check.Property, err)
	}
	if len(check.Value) > 0 {
		return compare(check.Property, actual, check.Value)
	}
	return nil
}

// compare compares a decoded value with an expected JSON value
func compare(property string, actual interface{}, expected json.RawMessage) error {
	var want interface{}
	if err := json.Unmarshal(expected, &want); err != nil {
		return fmt.Errorf("expected value of %s is not valid JSON: %w", property, iot.ErrMalformedRequest)
	}
	if !reflect.DeepEqual(actual, want) {
		got, _ := json.Marshal(actual)
		return fmt.Errorf("property %s is %s, expected %s", property, got, expected)
	}
	return nil
}
