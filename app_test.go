package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/scanreg/registration"
)

// exactConfigYAML disables normals and down-sampling so synthetic clouds
// align reliably
const exactConfigYAML = `registration:
  delta: 1
  overlap: 1
  sampleSize: 1000
  useNormals: false
  minTrials: 50
store:
  path: ""
log:
  level: warn
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// cubeClouds returns a random cube and a rotated, shifted copy
func cubeClouds(n int, seed int64) (registration.Cloud, registration.Cloud) {
	rng := rand.New(rand.NewSource(seed))
	model := make(registration.Cloud, n)
	for i := range model {
		model[i] = registration.NewPoint(rng.Float64(), rng.Float64(), rng.Float64())
	}
	motion := registration.MultiplyMatrices(registration.Translation(5, 0, 0), registration.RotationZ(math.Pi/6))
	return model, registration.TransformCloud(model, motion)
}

func newTestApp(out io.Writer) *App {
	app := NewApp()
	app.Out = out
	app.Logger = zap.NewNop()
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Out == nil {
		t.Error("Out should default to stdout")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:      "svc.yaml",
		ModelFile:       "m.pcd",
		TargetFile:      "t.pcd",
		OutputFile:      "r.json",
		TransformedFile: "a.pcd",
		Delta:           1.5,
		Overlap:         0.5,
		Seed:            9,
		SeedSet:         true,
		LogLevel:        "debug",
		HttpPort:        9000,
		MqttMode:        true,
		HttpMode:        true,
	}
	app.ApplyOptions(opts)

	if app.ConfigFile != "svc.yaml" || app.ModelFile != "m.pcd" || app.TargetFile != "t.pcd" {
		t.Errorf("file options not applied: %+v", app)
	}
	if app.OutputFile != "r.json" || app.TransformedFile != "a.pcd" {
		t.Errorf("output options not applied: %+v", app)
	}
	if app.Delta != 1.5 || app.Overlap != 0.5 || app.Seed != 9 || !app.SeedSet {
		t.Errorf("registration options not applied: %+v", app)
	}
	if app.LogLevel != "debug" || app.HttpPort != 9000 || !app.MqttMode || !app.HttpMode {
		t.Errorf("service options not applied: %+v", app)
	}
}

func TestApp_SetupOverrides(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(io.Discard)
	app.ConfigFile = writeFile(t, dir, "config.yaml", exactConfigYAML)
	app.Delta = 3
	app.SeedSet = true
	app.Seed = 11
	app.HttpPort = 8181

	if err := app.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if app.Config.Registration.Delta != 3 {
		t.Errorf("Delta = %v, want 3", app.Config.Registration.Delta)
	}
	if app.Config.Registration.Overlap != 1 {
		t.Errorf("Overlap = %v, want 1 from the file", app.Config.Registration.Overlap)
	}
	if app.Config.Registration.Seed != 11 || app.Config.HTTP.Port != 8181 {
		t.Errorf("seed/port = %d/%d", app.Config.Registration.Seed, app.Config.HTTP.Port)
	}
}

func TestApp_SetupErrors(t *testing.T) {
	dir := t.TempDir()

	app := newTestApp(io.Discard)
	app.ConfigFile = filepath.Join(dir, "missing.yaml")
	if err := app.setup(); err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Errorf("setup() = %v, want a config error", err)
	}

	app = newTestApp(io.Discard)
	app.Overlap = 2
	if err := app.setup(); err == nil {
		t.Error("setup() accepted overlap 2")
	}
}

func TestApp_RunRegister(t *testing.T) {
	dir := t.TempDir()
	model, target := cubeClouds(500, 4)
	modelPath := filepath.Join(dir, "model.xyz")
	targetPath := filepath.Join(dir, "target.pcd")
	if err := registration.SaveCloud(modelPath, model); err != nil {
		t.Fatal(err)
	}
	if err := registration.SaveCloud(targetPath, target); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	app := newTestApp(&out)
	app.ApplyOptions(AppOptions{
		ConfigFile:      writeFile(t, dir, "config.yaml", exactConfigYAML),
		ModelFile:       modelPath,
		TargetFile:      targetPath,
		OutputFile:      filepath.Join(dir, "result.json"),
		TransformedFile: filepath.Join(dir, "aligned.xyz"),
	})

	if err := app.RunRegister(); err != nil {
		t.Fatalf("RunRegister: %v\n%s", err, out.String())
	}
	for _, want := range []string{"Loaded 500 model and 500 target points", "Registration succeeded", "row-major"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	aligned, err := registration.LoadCloud(app.TransformedFile)
	if err != nil {
		t.Fatalf("aligned cloud: %v", err)
	}
	if len(aligned) != len(model) {
		t.Fatalf("aligned cloud has %d points", len(aligned))
	}
	for i := range aligned {
		if aligned[i].Pos.Sub(model[i].Pos).Norm() > 1e-2 {
			t.Fatalf("aligned point %d = %v, want %v", i, aligned[i].Pos, model[i].Pos)
		}
	}

	data, err := os.ReadFile(app.OutputFile)
	if err != nil {
		t.Fatalf("result file: %v", err)
	}
	var res struct {
		Success bool                 `json:"success"`
		Matrix  registration.Matrix4 `json:"matrix"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Error("result file reports failure")
	}
	if got := registration.RotationAngle(res.Matrix); math.Abs(got-math.Pi/6) > 1e-2 {
		t.Errorf("rotation angle = %v, want %v", got, math.Pi/6)
	}
}

func TestApp_RunRegisterFailure(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeFile(t, dir, "model.xyz", "0 0 0\n1 0 0\n")
	targetPath := writeFile(t, dir, "target.xyz", "0 0 0\n1 0 0\n")

	var out bytes.Buffer
	app := newTestApp(&out)
	app.ApplyOptions(AppOptions{
		ModelFile:  modelPath,
		TargetFile: targetPath,
		OutputFile: filepath.Join(dir, "result.json"),
	})

	err := app.RunRegister()
	if err == nil {
		t.Fatal("expected a registration error")
	}
	if !strings.Contains(out.String(), "Registration failed (InsufficientData)") {
		t.Errorf("output = %s", out.String())
	}
	if _, statErr := os.Stat(app.OutputFile); statErr != nil {
		t.Errorf("failed result not written: %v", statErr)
	}
}

func TestApp_RunRegisterMissingCloud(t *testing.T) {
	app := newTestApp(io.Discard)
	app.ModelFile = filepath.Join(t.TempDir(), "none.xyz")
	app.TargetFile = app.ModelFile
	if err := app.RunRegister(); err == nil {
		t.Error("expected an error for a missing cloud file")
	}
}

func TestApp_RunServiceMQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	app := newTestApp(io.Discard)
	app.MqttMode = true
	err := app.RunService()
	if err == nil || !strings.Contains(err.Error(), "MQTT broker not configured") {
		t.Errorf("RunService() = %v, want a broker error", err)
	}
}

func TestApp_RunServiceHTTP(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	app := newTestApp(&out)
	app.Context = ctx
	app.ConfigFile = writeFile(t, dir, "config.yaml", exactConfigYAML+"http:\n  port: 0\n")
	addrCh := make(chan string, 1)
	app.Ready = func(addr string) { addrCh <- addr }

	done := make(chan error, 1)
	go func() { done <- app.RunService() }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("RunService exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not start")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("listener address %q: %v", addr, err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunService: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}
