package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Runner is what run dispatches to. App is the production implementation.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRegister() error
	RunService() error
}

// AppOptions holds the parsed command line. Zero values defer to the
// configuration file.
type AppOptions struct {
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
	RegisterOnly    bool
	MqttMode        bool
	HttpMode        bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "scanreg: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("scanreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (defaults are used when empty)")
	fs.BoolVar(&opts.RegisterOnly, "register", false, "Register --target onto --model and exit")
	fs.StringVar(&opts.ModelFile, "model", "", "Model cloud (.xyz or .pcd)")
	fs.StringVar(&opts.TargetFile, "target", "", "Target cloud to align onto the model (.xyz or .pcd)")
	fs.StringVar(&opts.OutputFile, "out", "", "Write the result JSON to this file")
	fs.StringVar(&opts.TransformedFile, "transformed", "", "Write the aligned target cloud to this file")
	fs.Float64Var(&opts.Delta, "delta", 0, "Registration tolerance multiplier (0 = from config)")
	fs.Float64Var(&opts.Overlap, "overlap", 0, "Expected overlap in (0,1] (0 = from config)")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed (default from config)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Serve registration requests over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve registration requests over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP port (0 = from config)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.SeedSet = true
		}
	})

	app.ApplyOptions(opts)

	if opts.RegisterOnly {
		if opts.ModelFile == "" || opts.TargetFile == "" {
			return errors.New("--register needs --model and --target")
		}
		return app.RunRegister()
	}

	fmt.Fprintf(out, "scanreg version: %s\n", Version)
	fmt.Fprintln(out, "scanreg service starting...")
	return app.RunService()
}
