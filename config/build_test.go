package config

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/receiver"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/sink/sqlite"
	"github.com/fxsml/relay/source"
	"github.com/fxsml/relay/stats"
)

const routingYAML = `
adapters:
  - name: orders
    pipeline:
      pipes:
        - name: route
          type: switch
          options: {expression: input.kind}
          forwards: {order: accept, other: reject}
        - name: accept
          type: echo
          forwards: {success: READY}
        - name: reject
          type: exception
          options: {message: rejected}
      exits:
        - {name: READY, state: success}
        - {name: FAIL, state: error, code: 500}
      forwards: {exception: FAIL}
    receivers:
      - name: orders-in
        maxRetries: 1
        listener: {pollTimeout: 5ms}
        guard: {disabled: true}
        source: {type: memory, bufferSize: 10}
        errorSink: {type: memory}
`

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBuild_RoutesAndDiverts(t *testing.T) {
	doc, err := Parse([]byte(routingYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := stats.NewRegistry()
	rt, err := Build(doc, BuildOptions{Stats: reg})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rt.Adapters) != 1 || rt.Adapters[0].Name() != "orders" {
		t.Fatalf("adapters = %v", rt.Adapters)
	}
	a := rt.Adapters[0]
	r := a.Receivers()[0]
	if r.Guard() != nil {
		t.Error("guard should be disabled")
	}
	if got := r.Container().PollTimeout(); got != 5*time.Millisecond {
		t.Errorf("poll timeout = %v", got)
	}

	src := rt.Sources["orders-in"].(*source.Memory)
	dead := rt.Sinks["orders-in"].(*sink.Memory)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = src.Send(ctx, []byte(`{"kind":"order"}`), message.Attributes{message.AttrID: "good"})
	_ = src.Send(ctx, []byte(`{"kind":"other"}`), message.Attributes{message.AttrID: "bad"})

	waitFor(t, 2*time.Second, func() bool { return len(src.Acked()) == 2 })
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	items := dead.Items()
	if len(items) != 1 || items[0].Item.ID != "bad" {
		t.Fatalf("diverted = %+v", items)
	}
	if !receiver.IsExitError(items[0].Reason) || !errors.Is(items[0].Reason, fault.ErrPipeExecution) {
		t.Errorf("reason = %v", items[0].Reason)
	}

	snap := reg.Snapshot()
	want := map[string]int64{
		"receiver.orders-in.received":  2,
		"receiver.orders-in.processed": 1,
		"receiver.orders-in.retried":   1,
		"receiver.orders-in.failed":    1,
	}
	for name, n := range want {
		if snap.Counters[name] != n {
			t.Errorf("%s = %d, want %d", name, snap.Counters[name], n)
		}
	}
	if _, ok := snap.Distributions["pipe.orders.route"]; !ok {
		t.Errorf("missing pipe distribution, have %v", snap.Names())
	}
}

func TestBuild_EnvOverrides(t *testing.T) {
	doc, err := Parse([]byte(routingYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env := &Loader{lookup: envMap(map[string]string{
		"RELAY_ORDERS_IN_MAX_RETRIES":           "4",
		"RELAY_ORDERS_IN_LISTENER_POLL_TIMEOUT": "40ms",
		"RELAY_ORDERS_IN_GUARD_DISABLED":        "false",
		"RELAY_ORDERS_IN_GUARD_THRESHOLD":       "2s",
		"RELAY_ORDERS_IN_SOURCE_BUFFER_SIZE":    "1",
	})}
	rt, err := Build(doc, BuildOptions{Env: env})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := rt.Adapters[0].Receivers()[0]
	if got := r.Container().PollTimeout(); got != 40*time.Millisecond {
		t.Errorf("poll timeout = %v, want 40ms", got)
	}
	if r.Guard() == nil {
		t.Error("guard should be enabled by the environment")
	}

	src := rt.Sources["orders-in"].(*source.Memory)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = src.Send(ctx, []byte("a"), nil)
	if err := src.Send(ctx, []byte("b"), nil); err == nil {
		t.Error("buffer size 1 should block the second send")
	}
}

func TestBuild_SQLiteSinkClosedOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	doc, err := Parse([]byte(`
adapters:
  - name: sq
    pipeline:
      pipes: [{name: boom, type: exception}]
      exits: [{name: READY, state: success}, {name: FAIL, state: error}]
      forwards: {exception: FAIL}
    receivers:
      - name: sq-in
        listener: {pollTimeout: 5ms}
        source: {type: memory}
        errorSink: {type: sqlite, path: "` + path + `", source: test}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rt, err := Build(doc, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	store := rt.Sinks["sq-in"].(*sqlite.Store)
	src := rt.Sources["sq-in"].(*source.Memory)

	ctx := context.Background()
	a := rt.Adapters[0]
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = src.Send(ctx, []byte("payload"), message.Attributes{message.AttrID: "x1"})
	waitFor(t, 2*time.Second, func() bool { return len(src.Acked()) == 1 })
	letters, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(letters) != 1 || letters[0].ItemID != "x1" || letters[0].Source != "test" {
		t.Errorf("dead letters = %+v", letters)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := store.Count(ctx); err == nil {
		t.Error("store should be closed after Stop")
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  *Document
		env  map[string]string
	}{
		{"nil document", nil, nil},
		{"unknown pipe type", &Document{Adapters: []AdapterSpec{{
			Name:      "a",
			Pipeline:  PipelineSpec{Name: "a", Pipes: []PipeSpec{{Name: "p", Type: "teleport"}}},
			Receivers: []ReceiverSpec{{Name: "r", Source: Endpoint{Type: "memory"}}},
		}}}, nil},
		{"unwired graph", &Document{Adapters: []AdapterSpec{{
			Name: "a",
			Pipeline: PipelineSpec{
				Name:  "a",
				Pipes: []PipeSpec{{Name: "p", Type: "echo"}},
				Exits: []pipeline.Exit{{Name: "LOST", State: pipeline.ExitError}},
			},
			Receivers: []ReceiverSpec{{Name: "r", Source: Endpoint{Type: "memory"}}},
		}}}, nil},
		{"redis source without queue", &Document{Adapters: []AdapterSpec{{
			Name:      "a",
			Pipeline:  PipelineSpec{Name: "a", Pipes: []PipeSpec{{Name: "p", Type: "echo"}}},
			Receivers: []ReceiverSpec{{Name: "r", Source: Endpoint{Type: "redis"}}},
		}}}, nil},
		{"bad env value", &Document{Adapters: []AdapterSpec{{
			Name:      "a",
			Pipeline:  PipelineSpec{Name: "a", Pipes: []PipeSpec{{Name: "p", Type: "echo"}}},
			Receivers: []ReceiverSpec{{Name: "r", Source: Endpoint{Type: "memory"}}},
		}}}, map[string]string{"RELAY_R_MAX_RETRIES": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := BuildOptions{}
			if tt.env != nil {
				opts.Env = &Loader{lookup: envMap(tt.env)}
			}
			if _, err := Build(tt.doc, opts); !fault.IsConfiguration(err) {
				t.Errorf("Build = %v, want configuration error", err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		spec    BackoffSpec
		attempt int
		want    time.Duration
	}{
		{BackoffSpec{}, 3, 0},
		{BackoffSpec{Type: "none", Delay: Duration(time.Second)}, 1, 0},
		{BackoffSpec{Type: "constant", Delay: Duration(time.Second)}, 5, time.Second},
		{BackoffSpec{Type: "exponential", Delay: Duration(10 * time.Millisecond)}, 3, 40 * time.Millisecond},
		{BackoffSpec{Type: "exponential", Delay: Duration(10 * time.Millisecond), Factor: 3, Max: Duration(50 * time.Millisecond)}, 3, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(tt.spec)(tt.attempt); got != tt.want {
			t.Errorf("backoff(%+v)(%d) = %v, want %v", tt.spec, tt.attempt, got, tt.want)
		}
	}
}
