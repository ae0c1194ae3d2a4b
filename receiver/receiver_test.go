package receiver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxsml/relay/fault"
	"github.com/fxsml/relay/listener"
	"github.com/fxsml/relay/message"
	"github.com/fxsml/relay/pipeline"
	"github.com/fxsml/relay/session"
	"github.com/fxsml/relay/sink"
	"github.com/fxsml/relay/source"
	"github.com/fxsml/relay/stats"
)

type logCall struct {
	msg  string
	args []any
}

// mockLogger implements the Logger interface for testing.
type mockLogger struct {
	mu         sync.Mutex
	debugCalls []logCall
	infoCalls  []logCall
	warnCalls  []logCall
	errorCalls []logCall
}

func (l *mockLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	l.debugCalls = append(l.debugCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	l.infoCalls = append(l.infoCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warnCalls = append(l.warnCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errorCalls = append(l.errorCalls, logCall{msg, args})
	l.mu.Unlock()
}

func (l *mockLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.errorCalls {
		out = append(out, c.msg)
	}
	return out
}

var errBoom = errors.New("boom")

type closer struct{ n *atomic.Int32 }

func (c closer) Close() error {
	c.n.Add(1)
	return nil
}

// failingGraph routes a failing pipe through its exception forward to an
// error exit. Every attempt registers a resource on the session.
func failingGraph(t *testing.T, attempts, released *atomic.Int32) *pipeline.Graph {
	t.Helper()
	open := pipeline.NewPipe("open", func(_ context.Context, _ *message.Message, sess *session.Session) (pipeline.Result, error) {
		if err := sess.ScheduleCloseOnExit(closer{released}, "open"); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Success(nil), nil
	})
	fail := pipeline.NewPipe("fail", func(context.Context, *message.Message, *session.Session) (pipeline.Result, error) {
		attempts.Add(1)
		return pipeline.Result{}, errBoom
	})
	g, err := pipeline.New(pipeline.Config{
		Name: "orders",
		Pipes: []pipeline.PipeConfig{
			{Pipe: open},
			{Pipe: fail, Forwards: []pipeline.Forward{{Name: pipeline.ForwardException, Target: "FAIL"}}},
		},
		Exits: []pipeline.Exit{
			{Name: "READY", State: pipeline.ExitSuccess},
			{Name: "FAIL", State: pipeline.ExitError, Code: 500},
		},
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return g
}

func echoGraph(t *testing.T, seen *[]string, mu *sync.Mutex) *pipeline.Graph {
	t.Helper()
	echo := pipeline.NewPipe("echo", func(_ context.Context, msg *message.Message, sess *session.Session) (pipeline.Result, error) {
		txt, _ := msg.Text()
		mu.Lock()
		*seen = append(*seen, txt+"/"+sess.MessageID())
		mu.Unlock()
		return pipeline.Success(nil), nil
	})
	g, err := pipeline.New(pipeline.Config{Name: "echo", Pipes: []pipeline.PipeConfig{{Pipe: echo}}})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return g
}

// polled sends payload to src and polls it back, so the item is in flight.
func polled(t *testing.T, src *source.Memory, payload string) *source.Item {
	t.Helper()
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Send(ctx, []byte(payload), message.Attributes{message.AttrCorrelationID: "c-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	item, err := src.Poll(ctx, time.Second)
	if err != nil || item == nil {
		t.Fatalf("Poll = %v, %v", item, err)
	}
	return item
}

func TestReceiver_AcknowledgesSuccess(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	src := source.NewMemory(source.MemoryConfig{})
	reg := stats.NewRegistry()
	r, err := New(Config{Name: "echo", Stats: reg, Logger: &mockLogger{}}, echoGraph(t, &seen, &mu), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	item := polled(t, src, "hello")
	r.Handle(context.Background(), item)

	if acked := src.Acked(); len(acked) != 1 || acked[0] != item.ID {
		t.Errorf("acked = %v, want [%s]", acked, item.ID)
	}
	if got := r.Stats(); got != (Stats{Received: 1, Processed: 1}) {
		t.Errorf("stats = %+v", got)
	}
	if len(seen) != 1 || seen[0] != "hello/"+item.ID {
		t.Errorf("seen = %v", seen)
	}
	snap := reg.Snapshot()
	if snap.Counters["receiver.echo.processed"] != 1 {
		t.Errorf("registry counters = %v", snap.Counters)
	}
	if snap.Distributions["receiver.echo.duration"].Count != 1 {
		t.Errorf("duration not recorded: %v", snap.Distributions)
	}
	if snap.Distributions["pipe.echo.echo"].Count != 1 {
		t.Errorf("pipe duration not recorded: %v", snap.Distributions)
	}
}

func TestReceiver_RetriesThenDiverts(t *testing.T) {
	var attempts, released atomic.Int32
	src := source.NewMemory(source.MemoryConfig{})
	errs := sink.NewMemory()
	logger := &mockLogger{}
	r, err := New(Config{Name: "orders", MaxRetries: 2, ErrorSink: errs, Logger: logger}, failingGraph(t, &attempts, &released), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	item := polled(t, src, "order")
	r.Handle(context.Background(), item)

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if released.Load() != 3 {
		t.Errorf("released = %d, want one per attempt", released.Load())
	}
	if got := r.Stats(); got != (Stats{Received: 1, Retried: 2, Failed: 1}) {
		t.Errorf("stats = %+v", got)
	}

	diverted := errs.Items()
	if len(diverted) != 1 {
		t.Fatalf("diverted = %d, want 1", len(diverted))
	}
	reason := diverted[0].Reason
	if !errors.Is(reason, errBoom) || !errors.Is(reason, fault.ErrPipeExecution) || !IsExitError(reason) {
		t.Errorf("reason = %v", reason)
	}
	// Diverted items are acknowledged so the source does not redeliver them.
	if acked := src.Acked(); len(acked) != 1 {
		t.Errorf("acked = %v, want the diverted item", acked)
	}
	logger.mu.Lock()
	warns := len(logger.warnCalls)
	logger.mu.Unlock()
	// Two retries, one diversion, three pipe failures.
	if warns != 6 {
		t.Errorf("warnings = %d, want 6", warns)
	}
}

func TestReceiver_DivertFailureLeavesItemUnacknowledged(t *testing.T) {
	var attempts, released atomic.Int32
	src := source.NewMemory(source.MemoryConfig{})
	errs := sink.NewMemory()
	errs.FailWith(errors.New("store down"))
	logger := &mockLogger{}
	r, err := New(Config{ErrorSink: errs, Logger: logger}, failingGraph(t, &attempts, &released), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Handle(context.Background(), polled(t, src, "order"))

	if acked := src.Acked(); len(acked) != 0 {
		t.Errorf("acked = %v, want none", acked)
	}
	if got := r.Stats(); got.Failed != 1 || got.Retried != 0 {
		t.Errorf("stats = %+v", got)
	}
	if msgs := logger.errorMessages(); len(msgs) != 1 || msgs[0] != "Failed to divert item" {
		t.Errorf("errors = %v", msgs)
	}
	n, err := src.Redeliver(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Redeliver = %d, %v; want 1, nil", n, err)
	}
}

func TestReceiver_ShouldRetryFilters(t *testing.T) {
	var attempts, released atomic.Int32
	src := source.NewMemory(source.MemoryConfig{})
	r, err := New(Config{
		MaxRetries:  5,
		ShouldRetry: ShouldRetry(fault.ErrRecoverableTransport),
		ErrorSink:   sink.NewMemory(),
		Logger:      &mockLogger{},
	}, failingGraph(t, &attempts, &released), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Handle(context.Background(), polled(t, src, "order"))

	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestReceiver_RetriesAbortedRuns(t *testing.T) {
	var attempts atomic.Int32
	unrouted := pipeline.NewPipe("unrouted", func(context.Context, *message.Message, *session.Session) (pipeline.Result, error) {
		attempts.Add(1)
		return pipeline.Result{}, errBoom
	})
	g, err := pipeline.New(pipeline.Config{Pipes: []pipeline.PipeConfig{{Pipe: unrouted}}})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	src := source.NewMemory(source.MemoryConfig{})
	errs := sink.NewMemory()
	r, err := New(Config{MaxRetries: 1, Backoff: ConstantBackoff(time.Millisecond, 0), ErrorSink: errs, Logger: &mockLogger{}}, g, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Handle(context.Background(), polled(t, src, "x"))

	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	diverted := errs.Items()
	var routing *pipeline.RoutingError
	if len(diverted) != 1 || !errors.As(diverted[0].Reason, &routing) {
		t.Errorf("diverted = %+v, want a routing error", diverted)
	}
}

// failingAck is a memory source whose acknowledgements fail.
type failingAck struct {
	*source.Memory
}

func (failingAck) Acknowledge(context.Context, *source.Item) error {
	return errors.New("connection reset")
}

func TestReceiver_CountsAckFailures(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mem := source.NewMemory(source.MemoryConfig{})
	logger := &mockLogger{}
	r, err := New(Config{Logger: logger}, echoGraph(t, &seen, &mu), failingAck{mem})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Handle(context.Background(), polled(t, mem, "x"))

	if got := r.Stats(); got.AckFailed != 1 || got.Processed != 1 {
		t.Errorf("stats = %+v", got)
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errorCalls) != 1 {
		t.Fatalf("error logs = %d, want 1", len(logger.errorCalls))
	}
	args := logger.errorCalls[0].args
	err, _ = args[len(args)-1].(error)
	if !fault.IsTransport(err) {
		t.Errorf("logged error = %v, want transport error", err)
	}
}

func TestReceiver_ProcessReturnsFault(t *testing.T) {
	var attempts, released atomic.Int32
	src := source.NewMemory(source.MemoryConfig{})
	r, err := New(Config{Logger: &mockLogger{}}, failingGraph(t, &attempts, &released), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Process(context.Background(), &source.Item{ID: "sync-1", Payload: []byte("x")})
	if !IsExitError(err) {
		t.Fatalf("Process error = %v, want *ExitError", err)
	}
	if res.Exit.Name != "FAIL" {
		t.Errorf("exit = %v, want FAIL", res.Exit)
	}
	f := res.Fault()
	var ft string
	if f != nil {
		ft, _ = f.Text()
	}
	if f == nil || !strings.Contains(ft, `"exit":"FAIL"`) || !strings.Contains(ft, "boom") {
		t.Errorf("fault = %v", f)
	}
	if released.Load() != 1 {
		t.Errorf("released = %d, want 1", released.Load())
	}
	if acked := src.Acked(); len(acked) != 0 {
		t.Errorf("Process settled the item: %v", acked)
	}
}

func TestReceiver_StartStop(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	src := source.NewMemory(source.MemoryConfig{})
	r, err := New(Config{
		Name:     "echo",
		Listener: listener.Config{PollTimeout: 5 * time.Millisecond},
		Logger:   &mockLogger{},
	}, echoGraph(t, &seen, &mu), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := src.Send(ctx, []byte(p), nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for r.Stats().Processed < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := r.Stats(); got.Processed != 3 || got.Received != 3 {
		t.Errorf("stats = %+v", got)
	}
	if r.Container().State() != listener.Stopped {
		t.Errorf("state = %v, want stopped", r.Container().State())
	}
	if r.Guard() == nil {
		t.Error("guard not created")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a/", "b/", "c/"} {
		if !strings.HasPrefix(seen[i], want) {
			t.Errorf("seen[%d] = %q, want prefix %q", i, seen[i], want)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	g := echoGraph(t, &seen, &mu)
	src := source.NewMemory(source.MemoryConfig{})

	tests := []struct {
		name string
		cfg  Config
		g    *pipeline.Graph
		src  source.Source
	}{
		{"negative retries", Config{MaxRetries: -1}, g, src},
		{"no graph", Config{}, nil, src},
		{"no source", Config{}, g, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.g, tt.src)
			if !fault.IsConfiguration(err) {
				t.Errorf("New = %v, want configuration error", err)
			}
		})
	}
}

func TestSettlement_OnlyOnce(t *testing.T) {
	var acks, diverts atomic.Int32
	s := newSettlement(
		func() error { acks.Add(1); return nil },
		func(error) error { diverts.Add(1); return nil },
	)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.ack()
			} else {
				s.divert(errBoom)
			}
		}()
	}
	wg.Wait()

	if total := acks.Load() + diverts.Load(); total != 1 {
		t.Errorf("settled %d times, want 1", total)
	}
	if ok, _ := s.ack(); ok {
		t.Error("ack after settlement ran the callback")
	}
}
