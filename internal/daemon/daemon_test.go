package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
	"github.com/darknightghost/LinuxSourceMirror/internal/scheduler"
	"github.com/darknightghost/LinuxSourceMirror/internal/server"
)

type event struct {
	mu  sync.Mutex
	log []string
}

func (e *event) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *event) events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeProtocol struct {
	name     string
	events   *event
	startErr error
	loopErr  error

	once sync.Once
	done chan struct{}
}

func newFakeProtocol(name string, events *event) *fakeProtocol {
	return &fakeProtocol{name: name, events: events, done: make(chan struct{})}
}

func (p *fakeProtocol) Name() string { return p.name }

func (p *fakeProtocol) Start(context.Context) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.events.add("start " + p.name)
	return nil
}

// fail ends the protocol on its own with err.
func (p *fakeProtocol) fail(err error) {
	p.loopErr = err
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProtocol) Stop() error {
	p.events.add("stop " + p.name)
	p.once.Do(func() { close(p.done) })
	return p.loopErr
}

func (p *fakeProtocol) Done() <-chan struct{} { return p.done }

func (p *fakeProtocol) Err() error {
	select {
	case <-p.done:
		return p.loopErr
	default:
		return nil
	}
}

func TestServeStopsInReverseOrder(t *testing.T) {
	t.Parallel()

	events := &event{}
	a := newFakeProtocol("a", events)
	b := newFakeProtocol("b", events)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- serve(ctx, []Protocol{a, b}) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(events.events()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("protocols not started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	want := []string{"start a", "start b", "stop b", "stop a"}
	if got := events.events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestServeProtocolFailure(t *testing.T) {
	t.Parallel()

	events := &event{}
	a := newFakeProtocol("rsync", events)
	b := newFakeProtocol("http", events)

	result := make(chan error, 1)
	go func() { result <- serve(context.Background(), []Protocol{a, b}) }()

	b.fail(errors.New("accept: too many open files"))

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected an error")
		}
		msg := err.Error()
		if !strings.Contains(msg, "http stopped unexpectedly") {
			t.Errorf("error %q does not name the failed protocol", msg)
		}
		if details := fmt.Sprintf("%+v", err); !strings.Contains(details, "too many open files") {
			t.Errorf("error %q lacks the loop error", details)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after a protocol failure")
	}

	got := events.events()
	if got[len(got)-1] != "stop rsync" {
		t.Errorf("events = %v, want rsync stopped last", got)
	}
}

func TestServeStartFailure(t *testing.T) {
	t.Parallel()

	events := &event{}
	a := newFakeProtocol("a", events)
	b := newFakeProtocol("b", events)
	b.startErr = errors.New("bind: address already in use")
	c := newFakeProtocol("c", events)

	err := serve(context.Background(), []Protocol{a, b, c})
	if err == nil || !strings.Contains(err.Error(), "start b") {
		t.Fatalf("serve() = %v", err)
	}
	want := []string{"start a", "stop a"}
	if got := events.events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		name string
		role string
	}{
		{KindRsync, "rsync", "sync"},
		{KindHTTP, "http", "delivery"},
		{Kind(7), "unknown", "sync"},
	}
	for _, tt := range tests {
		if tt.kind.String() != tt.name || tt.kind.Role().String() != tt.role {
			t.Errorf("kind %d = %q (%v), want %q (%q)", int(tt.kind), tt.kind, tt.kind.Role(), tt.name, tt.role)
		}
	}
	if !reflect.DeepEqual(Kinds(), []Kind{KindRsync, KindHTTP}) {
		t.Errorf("Kinds() = %v, want rsync then http", Kinds())
	}
}

func testConfig(t *testing.T) *mirror.Config {
	t.Helper()

	cfg := mirror.NewConfig()
	cfg.DataPath = filepath.Join(t.TempDir(), "mirror")
	cfg.ClientProtocols.Rsync.Exec = "true"
	cfg.ServerProtocols.HTTP.Address = "127.0.0.1"
	cfg.ServerProtocols.HTTP.Port = 0
	cfg.Distros = map[string]*mirror.DistroConfig{
		"archlinux": {URL: "rsync://mirrors.kernel.org/archlinux/"},
	}
	if err := cfg.Check(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNew(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	registry, err := mirror.NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}

	p, err := New(KindRsync, cfg, registry)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*scheduler.Scheduler); !ok || p.Name() != "rsync" {
		t.Errorf("New(KindRsync) = %T %q", p, p.Name())
	}

	p, err = New(KindHTTP, cfg, registry)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*server.Server); !ok || p.Name() != "http" {
		t.Errorf("New(KindHTTP) = %T %q", p, p.Name())
	}

	if _, err := New(Kind(42), cfg, registry); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	// reserve a free port for the metrics listener
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.MetricsAddress = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- Run(ctx, cfg) }()

	lockFile := filepath.Join(cfg.DataPath, mirror.LockFilename)
	deadline := time.Now().Add(5 * time.Second)
	var body string
	for {
		resp, err := http.Get("http://" + cfg.MetricsAddress + "/metrics")
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics endpoint not reachable: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "lsmirror_sync_tasks_active") {
		t.Error("metrics endpoint lacks scheduler metrics")
	}

	if _, err := os.Stat(lockFile); err != nil {
		t.Errorf("lock file missing while running: %v", err)
	}
	if err := Run(context.Background(), cfg); err == nil {
		t.Error("second daemon on the same data path should fail")
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if _, err := os.Stat(lockFile); !os.IsNotExist(err) {
		t.Errorf("lock file left behind: %v", err)
	}
}
