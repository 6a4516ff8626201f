//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package main

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"gosuda.org/scbus"
	"gosuda.org/scbus/internal/codec"
	"gosuda.org/scbus/internal/testutil"
)

const testPort = 57110

func startServer(t *testing.T, count int) (*scbus.Server, []string) {
	t.Helper()
	dir := testutil.SegmentDir(t)
	srv, err := scbus.NewServer(scbus.ServerConfig{Port: testPort, ControlBusCount: count, Dir: dir})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, []string{"--dir", dir, "--port", strconv.Itoa(testPort)}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestSetGet(t *testing.T) {
	srv, flags := startServer(t, 4)

	out, err := runCommand(t, append([]string{"set"}, append(flags, "1", "0.5", "3", "2")...)...)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if out != "queued 2 of 2\n" {
		t.Errorf("set output = %q", out)
	}
	srv.Drain()

	out, err = runCommand(t, append([]string{"get"}, append(flags, "1", "3")...)...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != "1\t0.5\n3\t2\n" {
		t.Errorf("get output = %q", out)
	}

	out, err = runCommand(t, append([]string{"get"}, flags...)...)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Errorf("get all printed %d lines, want 4", lines)
	}

	if _, err := runCommand(t, append([]string{"get"}, append(flags, "4")...)...); !errors.Is(err, scbus.ErrOutOfRange) {
		t.Errorf("get 4 = %v, want ErrOutOfRange", err)
	}
}

func TestFill(t *testing.T) {
	srv, flags := startServer(t, 4)

	if _, err := runCommand(t, append([]string{"fill"}, append(flags, "1", "2", "7")...)...); err != nil {
		t.Fatalf("fill: %v", err)
	}
	srv.Drain()
	for i, want := range []float32{0, 7, 7, 0} {
		if got, _ := srv.Owner().ControlBus(i); got != want {
			t.Errorf("bus %d = %v, want %v", i, got, want)
		}
	}
}

func TestDump(t *testing.T) {
	srv, flags := startServer(t, 3)
	srv.Owner().SetControlBus(2, 0.25)
	srv.Drain()

	out, err := runCommand(t, append([]string{"dump", "--format", "yaml"}, flags...)...)
	if err != nil {
		t.Fatalf("dump yaml: %v", err)
	}
	var fromYAML Snapshot
	if err := yaml.Unmarshal([]byte(out), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal: %v\n%s", err, out)
	}

	out, err = runCommand(t, append([]string{"dump", "--format", "cbor"}, flags...)...)
	if err != nil {
		t.Fatalf("dump cbor: %v", err)
	}
	var fromCBOR Snapshot
	if err := codec.Unmarshal([]byte(out), &fromCBOR); err != nil {
		t.Fatalf("codec.Unmarshal: %v", err)
	}

	for _, snap := range []Snapshot{fromYAML, fromCBOR} {
		if snap.Segment != "SuperColliderServer_57110" || snap.Port != testPort || snap.Count != 3 {
			t.Errorf("snapshot header = %+v", snap)
		}
		if len(snap.Values) != 3 || snap.Values[2] != 0.25 {
			t.Errorf("snapshot values = %v", snap.Values)
		}
	}

	if _, err := runCommand(t, append([]string{"dump", "--format", "json"}, flags...)...); err == nil {
		t.Error("dump accepted an unknown format")
	}
}

func TestInfo(t *testing.T) {
	_, flags := startServer(t, 4)

	out, err := runCommand(t, append([]string{"info"}, flags...)...)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"SuperColliderServer_57110", "control busses: 4", "ready:          true"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestNoServer(t *testing.T) {
	dir := testutil.SegmentDir(t)
	_, err := runCommand(t, "get", "--dir", dir, "--port", "57111")
	if !errors.Is(err, scbus.ErrConnection) {
		t.Errorf("get without server = %v, want ErrConnection", err)
	}
}

func TestUsageErrors(t *testing.T) {
	if _, err := runCommand(t); !errors.Is(err, errUsage) {
		t.Errorf("no args = %v, want usage error", err)
	}
	if _, err := runCommand(t, "bogus"); !errors.Is(err, errUsage) {
		t.Errorf("unknown command = %v, want usage error", err)
	}
	if _, err := runCommand(t, "set", "1"); err == nil {
		t.Error("set with odd arguments succeeded")
	}
	if _, err := runCommand(t, "fill", "1", "2"); err == nil {
		t.Error("fill with two arguments succeeded")
	}
	out, err := runCommand(t, "version")
	if err != nil || !strings.HasPrefix(out, "scbus ") {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestServe(t *testing.T) {
	dir := testutil.SegmentDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, []string{"serve", "--dir", dir, "--port", "57112", "-c", "8", "--cycle", "1ms"}, &bytes.Buffer{})
	}()

	var client *scbus.Client
	deadline := time.Now().Add(5 * time.Second)
	for client == nil {
		c, err := scbus.Open(57112, scbus.WithDir(dir))
		if err == nil {
			client = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer client.Close()

	if client.ControlBusses().Len() != 8 {
		t.Errorf("Len() = %d, want 8", client.ControlBusses().Len())
	}
	client.SetControlBus(5, 1)
	for {
		if v, _ := client.ControlBus(5); v == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("serve never drained the write")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	if _, err := scbus.Open(57112, scbus.WithDir(dir)); !errors.Is(err, scbus.ErrConnection) {
		t.Errorf("Open after serve stopped = %v, want ErrConnection", err)
	}
}
