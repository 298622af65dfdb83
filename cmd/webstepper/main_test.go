package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/viam-modules/webstepper/sequencer"
)

type fakeOutputs struct {
	mu      sync.Mutex
	written []sequencer.Pattern
}

func (f *fakeOutputs) Apply(ctx context.Context, p sequencer.Pattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p)
	return nil
}

func (f *fakeOutputs) last() sequencer.Pattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webstepper.json")
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := loadConfig("")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg, test.ShouldResemble, defaultConfig())
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		cfg, err := loadConfig(writeConfig(t, `{"pins": {"a": "GPIO17", "b": "GPIO18", "c": "GPIO27", "d": "GPIO22"}, "max_delay_ms": 30}`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Pins, test.ShouldResemble, Pins{A: "GPIO17", B: "GPIO18", C: "GPIO27", D: "GPIO22"})
		test.That(t, cfg.MinDelayMs, test.ShouldEqual, 2)
		test.That(t, cfg.MaxDelayMs, test.ShouldEqual, 30)
		test.That(t, cfg.HTTPAddress, test.ShouldEqual, ":80")
	})

	t.Run("bad delays", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, `{"min_delay_ms": 20, "max_delay_ms": 2}`))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, `{"pins":`))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.json"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestStartAndClose(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	cfg := defaultConfig()
	cfg.HTTPAddress = "127.0.0.1:0"
	out := &fakeOutputs{}

	a, err := start(ctx, cfg, out, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.last(), test.ShouldResemble, sequencer.Off)

	resp, err := http.Get("http://" + a.web.Addr().String() + "/motor?cmd=ccw&speed=100&steps=4")
	test.That(t, err, test.ShouldBeNil)
	body, err := io.ReadAll(resp.Body)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(body), test.ShouldEqual, "{\"status\":\"ok\"}\n")

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		st := a.gov.Status()
		test.That(tb, st.Running, test.ShouldBeFalse)
		test.That(tb, st.StepsTaken, test.ShouldEqual, uint64(4))
	})
	test.That(t, a.gov.Status().Position, test.ShouldEqual, int64(-4))

	test.That(t, a.Close(ctx), test.ShouldBeNil)
	test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
}
