package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/lineio"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveSuspend(bridge.CmdPredict, 2*time.Millisecond, nil)
	c.ObserveSuspend(bridge.CmdPredict, 3*time.Millisecond, nil)
	c.ObserveSuspend(bridge.CmdDownloadModel, time.Second, errors.New("404"))
	c.OutputsDropped(2)
	c.BackendChanged(backend.Compiled)

	var forwarded []string
	sink := c.Tee(lineio.SinkFunc(func(_ lineio.Direction, line string) {
		forwarded = append(forwarded, line)
	}))
	sink.Line(lineio.Input, "version")
	sink.Line(lineio.Output, "= 1.15")

	body := scrape(t, reg)
	want := []string{
		`nnbridge_suspensions_total{op="` + bridge.CommandName(bridge.CmdPredict) + `",outcome="ok"} 2`,
		`nnbridge_suspensions_total{op="` + bridge.CommandName(bridge.CmdDownloadModel) + `",outcome="error"} 1`,
		`nnbridge_suspension_seconds_count{op="` + bridge.CommandName(bridge.CmdPredict) + `"} 2`,
		`nnbridge_predict_outputs_dropped_total 2`,
		`nnbridge_backend 3`,
		`nnbridge_lines_total{direction="` + lineio.Input.String() + `"} 1`,
		`nnbridge_lines_total{direction="` + lineio.Output.String() + `"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("metrics output missing %q", w)
		}
	}
	if len(forwarded) != 2 || forwarded[1] != "= 1.15" {
		t.Errorf("forwarded = %v", forwarded)
	}
}

func TestCollector_InitialBackend(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	if body := scrape(t, reg); !strings.Contains(body, "nnbridge_backend -1") {
		t.Errorf("initial backend gauge not -1:\n%s", body)
	}
}

func TestCollector_AsSelectorListener(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	loop := bridge.NewLoop()
	defer loop.Close()
	br := bridge.New(loop, bridge.WithObserver(c))

	sel := backend.NewSelector(platform{}, br)
	sel.SetListener(c)
	if !sel.Set(context.Background(), backend.CPU) {
		t.Fatal("Set(cpu) failed")
	}

	body := scrape(t, reg)
	if !strings.Contains(body, "nnbridge_backend 1") {
		t.Errorf("backend gauge not updated:\n%s", body)
	}
	if !strings.Contains(body, `op="`+bridge.CommandName(bridge.CmdSetBackend)+`",outcome="ok"} 1`) {
		t.Errorf("setBackend suspension not counted:\n%s", body)
	}
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("second registration should panic")
		}
	}()
	New(reg)
}

func TestServe_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", "/metrics", prometheus.NewRegistry())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

type platform struct{}

func (platform) Probe(backend.Backend) bool { return true }

func (platform) Activate(context.Context, backend.Backend) error { return nil }
