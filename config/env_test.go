package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

type connSettings struct {
	Addr string `env:"ADDR"`
	DB   int    `env:"DB"`
}

type queueSettings struct {
	connSettings
	Queue       string        `env:"QUEUE"`
	Brokers     []string      `env:"BROKERS"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT"`
	Secret      string        `env:"-"`
	MaxRetries  int
	Logger      *slog.Logger
	OnError     func(error)
}

type listenerSettings struct {
	PollTimeout time.Duration
	Guard       struct {
		Threshold time.Duration
	}
}

type scalarSettings struct {
	S   string
	B   bool
	I8  int8
	I64 int64
	U16 uint16
	F32 float32
	F64 float64
}

func TestLoader_Load(t *testing.T) {
	l := Loader{lookup: envMap(map[string]string{
		"RELAY_ORDERS_ADDR":         "redis:6379",
		"RELAY_ORDERS_DB":           "2",
		"RELAY_ORDERS_QUEUE":        "orders",
		"RELAY_ORDERS_BROKERS":      "k1:9092, k2:9092,,",
		"RELAY_ORDERS_POLL_TIMEOUT": "250ms",
		"RELAY_ORDERS_SECRET":       "ignored",
		"RELAY_ORDERS_MAX_RETRIES":  "3",
	})}

	cfg := queueSettings{Secret: "kept"}
	if err := l.Load("orders", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := queueSettings{
		connSettings: connSettings{Addr: "redis:6379", DB: 2},
		Queue:        "orders",
		Brokers:      []string{"k1:9092", "k2:9092"},
		PollTimeout:  250 * time.Millisecond,
		Secret:       "kept",
		MaxRetries:   3,
	}
	opts := cmp.Options{
		cmp.AllowUnexported(queueSettings{}),
		cmp.FilterPath(func(p cmp.Path) bool {
			name := p.Last().String()
			return name == ".Logger" || name == ".OnError"
		}, cmp.Ignore()),
	}
	if diff := cmp.Diff(want, cfg, opts); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_LoadKeepsUnsetFields(t *testing.T) {
	l := Loader{lookup: envMap(map[string]string{"RELAY_R_QUEUE": "b"})}
	cfg := queueSettings{Queue: "a", MaxRetries: 5}
	if err := l.Load("r", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue != "b" || cfg.MaxRetries != 5 {
		t.Errorf("got queue=%q retries=%d", cfg.Queue, cfg.MaxRetries)
	}
}

func TestLoader_LoadNested(t *testing.T) {
	l := Loader{lookup: envMap(map[string]string{
		"RELAY_IN_POLL_TIMEOUT":    "2s",
		"RELAY_IN_GUARD_THRESHOLD": "1m",
	})}
	var cfg listenerSettings
	if err := l.Load("in", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollTimeout != 2*time.Second || cfg.Guard.Threshold != time.Minute {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoader_LoadScalars(t *testing.T) {
	l := Loader{lookup: envMap(map[string]string{
		"RELAY_X_S":   "hello",
		"RELAY_X_B":   "true",
		"RELAY_X_I8":  "-8",
		"RELAY_X_I64": "-64",
		"RELAY_X_U16": "16",
		"RELAY_X_F32": "1.5",
		"RELAY_X_F64": "2.25",
	})}
	var got scalarSettings
	if err := l.Load("x", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := scalarSettings{S: "hello", B: true, I8: -8, I64: -64, U16: 16, F32: 1.5, F64: 2.25}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"RELAY_X_I64": "many"}},
		{"int overflow", map[string]string{"RELAY_X_I8": "300"}},
		{"negative uint", map[string]string{"RELAY_X_U16": "-1"}},
		{"bad bool", map[string]string{"RELAY_X_B": "perhaps"}},
		{"bad float", map[string]string{"RELAY_X_F64": "pi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg scalarSettings
			if err := (Loader{lookup: envMap(tt.env)}).Load("x", &cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("bad duration", func(t *testing.T) {
		var cfg listenerSettings
		l := Loader{lookup: envMap(map[string]string{"RELAY_X_POLL_TIMEOUT": "soon"})}
		if err := l.Load("x", &cfg); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("not a struct pointer", func(t *testing.T) {
		n := 1
		for _, dst := range []any{scalarSettings{}, &n, nil} {
			if err := (Loader{}).Load("x", dst); err == nil {
				t.Errorf("Load(%T) expected error", dst)
			}
		}
	})
}

func TestLoader_Keys(t *testing.T) {
	got := Loader{Prefix: "APP"}.Keys("orders-in", &queueSettings{})
	want := []string{
		"APP_ORDERS_IN_ADDR",
		"APP_ORDERS_IN_DB",
		"APP_ORDERS_IN_QUEUE",
		"APP_ORDERS_IN_BROKERS",
		"APP_ORDERS_IN_POLL_TIMEOUT",
		"APP_ORDERS_IN_MAX_RETRIES",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	if keys := (Loader{}).Keys("x", 42); keys != nil {
		t.Errorf("Keys(int) = %v, want nil", keys)
	}
	if keys := (Loader{}).Keys("", listenerSettings{}); keys[0] != "RELAY_POLL_TIMEOUT" {
		t.Errorf("Keys without component = %v", keys)
	}
}

func TestLoader_RealEnvironment(t *testing.T) {
	t.Setenv("RELAY_PROC_QUEUE", "from-env")
	var cfg queueSettings
	if err := (Loader{}).Load("proc", &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue != "from-env" {
		t.Errorf("Queue = %q", cfg.Queue)
	}
}

func TestToUpperSnake(t *testing.T) {
	tests := []struct{ in, want string }{
		{"PollTimeout", "POLL_TIMEOUT"},
		{"GroupID", "GROUP_ID"},
		{"URLPath", "URL_PATH"},
		{"HTTPClient", "HTTP_CLIENT"},
		{"ID", "ID"},
		{"Queue", "QUEUE"},
		{"I8", "I8"},
		{"Step2Name", "STEP2_NAME"},
	}
	for _, tt := range tests {
		if got := toUpperSnake(tt.in); got != tt.want {
			t.Errorf("toUpperSnake(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSegment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"orders", "ORDERS"},
		{"orders-in", "ORDERS_IN"},
		{"My Receiver", "MY_RECEIVER"},
		{"a.b/c", "A_B_C"},
		{"bad!@#chars", "BADCHARS"},
	}
	for _, tt := range tests {
		if got := segment(tt.in); got != tt.want {
			t.Errorf("segment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
