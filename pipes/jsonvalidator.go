package pipes

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
)

// Outcome labels and session key of JSONValidator.
const (
	ForwardFailure     = "failure"
	ValidationErrorKey = "validationError"
)

// JSONValidator validates the payload against a JSON schema. Invalid
// payloads take the "failure" forward and the validation error is stored
// in the session under ValidationErrorKey.
//
// Options: schema (inline JSON) or schemaFile (path).
type JSONValidator struct {
	base
	schema *jschema.Schema
}

// NewJSONValidator creates a JSONValidator pipe. The schema is compiled
// once, here.
func NewJSONValidator(spec Spec) (pipeline.Pipe, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	raw, err := spec.String("schema", "")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		path, err := spec.String("schemaFile", "")
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fault.Configf("pipe %q: option schema or schemaFile is required", spec.Name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.Configf("pipe %q: %v", spec.Name, err)
		}
		raw = string(data)
	}

	doc, err := jschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fault.Configf("pipe %q: parsing schema: %v", spec.Name, err)
	}
	uri := "urn:relay:pipe:" + spec.Name
	compiler := jschema.NewCompiler()
	if err := compiler.AddResource(uri, doc); err != nil {
		return nil, fault.Configf("pipe %q: adding schema: %v", spec.Name, err)
	}
	schema, err := compiler.Compile(uri)
	if err != nil {
		return nil, fault.Configf("pipe %q: compiling schema: %v", spec.Name, err)
	}
	return &JSONValidator{base: b, schema: schema}, nil
}

func (p *JSONValidator) Process(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
	data, err := msg.Bytes()
	if err != nil {
		return pipeline.Result{}, err
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		sess.Put(ValidationErrorKey, fmt.Sprintf("invalid JSON: %v", err))
		return pipeline.Next(ForwardFailure, msg), nil
	}
	if err := p.schema.Validate(inst); err != nil {
		sess.Put(ValidationErrorKey, err.Error())
		return pipeline.Next(ForwardFailure, msg), nil
	}
	return pipeline.Success(msg), nil
}

func (p *JSONValidator) Outcomes() []string {
	return []string{pipeline.ForwardSuccess, ForwardFailure}
}
