package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/scanreg/registration"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *registration.ServiceConfig
	Store     *registration.ResultStore
	Registrar *registration.Registrar
	MQTT      *registration.MQTTService
	Logger    *zap.Logger

	// Out receives the human readable output. Defaults to stdout.
	Out io.Writer
	// Context bounds RunRegister and RunService in addition to SIGINT and
	// SIGTERM. Defaults to context.Background().
	Context context.Context
	// Ready, when set, is called with the HTTP listener address once the
	// service accepts connections
	Ready func(addr string)

	// CLI Flags (effectively dependencies)
	ConfigFile      string
	ModelFile       string
	TargetFile      string
	OutputFile      string
	TransformedFile string
	Delta           float64
	Overlap         float64
	Seed            int64
	SeedSet         bool
	LogLevel        string
	HttpPort        int
	MqttMode        bool
	HttpMode        bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ModelFile = opts.ModelFile
	a.TargetFile = opts.TargetFile
	a.OutputFile = opts.OutputFile
	a.TransformedFile = opts.TransformedFile
	a.Delta = opts.Delta
	a.Overlap = opts.Overlap
	a.Seed = opts.Seed
	a.SeedSet = opts.SeedSet
	a.LogLevel = opts.LogLevel
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// setup loads the configuration, applies the flag overrides and builds the
// logger
func (a *App) setup() error {
	config := registration.DefaultServiceConfig()
	if a.ConfigFile != "" {
		loaded, err := registration.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		config = loaded
	}

	if a.Delta != 0 {
		config.Registration.Delta = a.Delta
	}
	if a.Overlap != 0 {
		config.Registration.Overlap = a.Overlap
	}
	if a.SeedSet {
		config.Registration.Seed = a.Seed
	}
	if a.LogLevel != "" {
		config.Log.Level = a.LogLevel
	}
	if a.HttpPort != 0 {
		config.HTTP.Port = a.HttpPort
	}
	if err := config.Validate(); err != nil {
		return err
	}
	a.Config = config

	if a.Logger == nil {
		logger, err := registration.NewLogger(config.Log)
		if err != nil {
			return err
		}
		a.Logger = logger
	}
	if a.Out == nil {
		a.Out = os.Stdout
	}
	return nil
}

func (a *App) signalContext() (context.Context, context.CancelFunc) {
	parent := a.Context
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// RunRegister aligns the target cloud onto the model cloud and reports the
// transform
func (a *App) RunRegister() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Logger.Sync() //nolint:errcheck

	model, err := registration.LoadCloud(a.ModelFile)
	if err != nil {
		return err
	}
	target, err := registration.LoadCloud(a.TargetFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Loaded %d model and %d target points\n", len(model), len(target))

	ctx, stop := a.signalContext()
	defer stop()

	engine := registration.NewEngine(a.Config.Registration, a.Logger)
	engine.Refiner = registration.NewPointToPointICP(a.Config.ICP)
	result, regErr := engine.Compute(ctx, model, target)

	if a.OutputFile != "" && result != nil {
		data, err := json.MarshalIndent(registration.NewResultMessage(result), "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}

	if regErr != nil {
		fmt.Fprintf(a.Out, "Registration failed (%s): %v\n", registration.ReasonOf(regErr), regErr)
		return regErr
	}

	fmt.Fprintf(a.Out, "Registration succeeded: score=%.3f trials=%d icpIterations=%d\n",
		result.Score, result.Trials, result.ICP.Iterations)
	fmt.Fprintln(a.Out, "Transform (target -> model, row-major):")
	for _, row := range result.Matrix {
		fmt.Fprintf(a.Out, "  %12.6f %12.6f %12.6f %12.6f\n", row[0], row[1], row[2], row[3])
	}

	if a.TransformedFile != "" {
		if err := registration.SaveCloud(a.TransformedFile, result.Transformed); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Wrote aligned target to %s\n", a.TransformedFile)
	}
	return nil
}

// RunService serves registration requests over MQTT and/or HTTP until
// interrupted. HTTP is served when --http is given or MQTT is not enabled.
func (a *App) RunService() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.Logger.Sync() //nolint:errcheck

	store, err := registration.LoadStore(a.Config.Store.Path, a.Config.Store.MaxResults)
	if err != nil {
		return err
	}
	a.Store = store
	a.Registrar = registration.NewRegistrar(a.Config, store, a.Logger)
	a.Logger.Info("result store loaded",
		zap.String("path", a.Config.Store.Path),
		zap.Int("results", store.Len()))

	if a.MqttMode {
		svc, err := registration.InitMQTT(a.Config, a.Registrar, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if svc == nil {
			return errors.New("MQTT broker not configured")
		}
		a.MQTT = svc
		defer svc.Disconnect()
	}

	ctx, stop := a.signalContext()
	defer stop()

	var server *http.Server
	serveErr := make(chan error, 1)
	if a.HttpMode || !a.MqttMode {
		listener, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(a.Config.HTTP.Port)))
		if err != nil {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		server = &http.Server{
			Handler:           newHTTPServer(a.Registrar, store, a.MQTT, a.Logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Info("HTTP server starting", zap.String("addr", listener.Addr().String()))
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()

		fmt.Fprintf(a.Out, "\nHTTP endpoints (%s):\n", listener.Addr())
		fmt.Fprintln(a.Out, "  GET  /health        - Health check")
		fmt.Fprintln(a.Out, "  POST /register      - Register a target cloud onto a model cloud")
		fmt.Fprintln(a.Out, "  GET  /results       - Stored results")
		fmt.Fprintln(a.Out, "  GET  /results/{id}  - One stored result")
		if a.Ready != nil {
			a.Ready(listener.Addr().String())
		}
	}

	if a.MQTT != nil {
		p := a.MQTT.Publisher()
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintf(a.Out, "  Requests:  %s\n", p.RequestTopic())
		fmt.Fprintf(a.Out, "  Results:   %s\n", p.ResultTopic("{id}"))
		fmt.Fprintf(a.Out, "  Status:    %s\n", p.StatusTopic())
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("HTTP server: %w", err)
	}

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	if err := store.Save(); err != nil {
		a.Logger.Warn("saving result store", zap.Error(err))
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}
