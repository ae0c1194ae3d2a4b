// Package config reads the relay YAML document, overlays environment
// variables and builds the adapters the document declares.
//
// A document lists adapters. Each adapter declares one pipeline graph and
// the receivers feeding it:
//
//	adapters:
//	  - name: orders
//	    pipeline:
//	      pipes:
//	        - name: validate
//	          type: jsonValidator
//	          options: {schemaFile: order.schema.json}
//	          forwards: {success: store, failure: REJECTED}
//	        - name: store
//	          type: echo
//	      exits:
//	        - {name: READY, state: success}
//	        - {name: REJECTED, state: error, code: 422}
//	    receivers:
//	      - name: orders-in
//	        maxRetries: 2
//	        backoff: {type: exponential, delay: 100ms, max: 5s}
//	        source: {type: redis, addr: localhost:6379, queue: orders}
//	        errorSink: {type: sqlite, path: dead.db}
//
// Every receiver setting can be overridden from the environment, see
// Loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/param"
	"github.com/fxsml/relay/pipeline"
)

// Source and sink types understood by Build.
var (
	SourceTypes = []string{"memory", "redis", "kafka", "nats", "rabbitmq"}
	SinkTypes   = []string{"memory", "sqlite", "redis", "kafka", "nats", "rabbitmq"}
)

// Document is the root of a relay configuration file.
type Document struct {
	Adapters []AdapterSpec `yaml:"adapters"`
}

// AdapterSpec declares a graph and its receivers.
type AdapterSpec struct {
	// Name of the adapter. Default: the pipeline name.
	Name      string         `yaml:"name"`
	Pipeline  PipelineSpec   `yaml:"pipeline"`
	Receivers []ReceiverSpec `yaml:"receivers"`
}

// PipelineSpec declares a graph.
type PipelineSpec struct {
	// Name of the graph. Default: the adapter name.
	Name    string          `yaml:"name"`
	Entry   string          `yaml:"entry"`
	MaxHops int             `yaml:"maxHops"`
	Pipes   []PipeSpec      `yaml:"pipes"`
	Exits   []pipeline.Exit `yaml:"exits"`
	// Forwards apply to every pipe, typically an exception route.
	Forwards Forwards `yaml:"forwards"`
}

// PipeSpec declares one pipe. Type selects the factory in the pipe
// registry; Options are passed to it unchanged.
type PipeSpec struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Params   []param.Parameter `yaml:"params"`
	Forwards Forwards          `yaml:"forwards"`
	Timeout  Duration          `yaml:"timeout"`
	Options  map[string]any    `yaml:"options"`
}

// ReceiverSpec declares a receiver, its source and its error sink.
type ReceiverSpec struct {
	Name       string       `yaml:"name" env:"-"`
	MaxRetries int          `yaml:"maxRetries" env:"MAX_RETRIES"`
	Backoff    BackoffSpec  `yaml:"backoff" env:"BACKOFF"`
	Listener   ListenerSpec `yaml:"listener" env:"LISTENER"`
	Guard      GuardSpec    `yaml:"guard" env:"GUARD"`
	Source     Endpoint     `yaml:"source" env:"-"`
	// ErrorSink receives items whose retries are exhausted. Without one
	// they stay unacknowledged.
	ErrorSink *Endpoint `yaml:"errorSink" env:"-"`
}

// BackoffSpec selects the wait between retries.
type BackoffSpec struct {
	// Type is "none", "constant" or "exponential". Default: "none".
	Type   string   `yaml:"type" env:"TYPE"`
	Delay  Duration `yaml:"delay" env:"DELAY"`
	Max    Duration `yaml:"max" env:"MAX"`
	Factor float64  `yaml:"factor" env:"FACTOR"`
	Jitter float64  `yaml:"jitter" env:"JITTER"`
}

// ListenerSpec tunes the poll loop. Zero values keep the listener defaults.
type ListenerSpec struct {
	PollTimeout      Duration `yaml:"pollTimeout" env:"POLL_TIMEOUT"`
	StopTimeout      Duration `yaml:"stopTimeout" env:"STOP_TIMEOUT"`
	RetryInterval    Duration `yaml:"retryInterval" env:"RETRY_INTERVAL"`
	MaxRetryInterval Duration `yaml:"maxRetryInterval" env:"MAX_RETRY_INTERVAL"`
}

// GuardSpec tunes the poll guard.
type GuardSpec struct {
	Disabled  bool     `yaml:"disabled" env:"DISABLED"`
	Interval  Duration `yaml:"interval" env:"INTERVAL"`
	Threshold Duration `yaml:"threshold" env:"THRESHOLD"`
}

// Endpoint is a source or sink declaration. Type selects the transport;
// the remaining keys are decoded into that transport's config.
type Endpoint struct {
	Type string
	node *yaml.Node
}

// UnmarshalYAML keeps the node so Decode can fill a transport config later.
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	e.Type = head.Type
	e.node = value
	return nil
}

// Decode decodes the endpoint settings into dst. The type key is ignored.
func (e Endpoint) Decode(dst any) error {
	if e.node == nil {
		return nil
	}
	return e.node.Decode(dst)
}

// Forwards is a forward table. It is written either as a map from label
// to target or as a list of {name, target} entries; the map form keeps
// the order of the document.
type Forwards []pipeline.Forward

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Forwards) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		var list []pipeline.Forward
		if err := value.Decode(&list); err != nil {
			return err
		}
		*f = list
		return nil
	}
	out := make(Forwards, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var label, target string
		if err := value.Content[i].Decode(&label); err != nil {
			return err
		}
		if err := value.Content[i+1].Decode(&target); err != nil {
			return fmt.Errorf("forward %q: %w", label, err)
		}
		out = append(out, pipeline.Forward{Name: label, Target: target})
	}
	*f = out
	return nil
}

// Duration is a time.Duration written as a Go duration string ("1.5s")
// or as an integer number of milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrConfiguration, err)
	}
	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadFile parses the document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return doc, nil
}

// applyDefaults names unnamed adapters, pipelines and receivers.
func (d *Document) applyDefaults() {
	for i := range d.Adapters {
		a := &d.Adapters[i]
		switch {
		case a.Name == "" && a.Pipeline.Name == "":
			a.Name = fmt.Sprintf("adapter-%d", i+1)
			a.Pipeline.Name = a.Name
		case a.Name == "":
			a.Name = a.Pipeline.Name
		case a.Pipeline.Name == "":
			a.Pipeline.Name = a.Name
		}
		for j := range a.Receivers {
			if a.Receivers[j].Name == "" {
				a.Receivers[j].Name = fmt.Sprintf("%s-%d", a.Name, j+1)
			}
		}
	}
}

// Validate reports every structural problem of the document at once.
// Graph wiring is checked later, when the pipelines are built.
func (d *Document) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fault.Configf(format, args...))
	}
	if len(d.Adapters) == 0 {
		fail("no adapters declared")
	}
	adapters := make(map[string]bool)
	receivers := make(map[string]string)
	for _, a := range d.Adapters {
		if adapters[a.Name] {
			fail("duplicate adapter %q", a.Name)
		}
		adapters[a.Name] = true
		if len(a.Pipeline.Pipes) == 0 {
			fail("adapter %q: pipeline has no pipes", a.Name)
		}
		if len(a.Receivers) == 0 {
			fail("adapter %q: no receivers", a.Name)
		}
		for _, r := range a.Receivers {
			if owner, ok := receivers[r.Name]; ok {
				fail("adapter %q: receiver %q already declared by adapter %q", a.Name, r.Name, owner)
			}
			receivers[r.Name] = a.Name
			if r.MaxRetries < 0 {
				fail("receiver %q: negative maxRetries", r.Name)
			}
			if !slices.Contains(SourceTypes, r.Source.Type) {
				fail("receiver %q: unknown source type %q", r.Name, r.Source.Type)
			}
			if r.ErrorSink != nil && !slices.Contains(SinkTypes, r.ErrorSink.Type) {
				fail("receiver %q: unknown error sink type %q", r.Name, r.ErrorSink.Type)
			}
			switch r.Backoff.Type {
			case "", "none", "constant", "exponential":
			default:
				fail("receiver %q: unknown backoff type %q", r.Name, r.Backoff.Type)
			}
		}
	}
	return errors.Join(errs...)
}
