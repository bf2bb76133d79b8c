package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	flag "github.com/spf13/pflag"
)

// Trace exporter choices.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
	TraceExporterNone   = "none"
)

// Defaults.
const (
	DefaultBatchSize   = 256
	DefaultMetricsAddr = "0.0.0.0:9464"
)

// ErrVersionRequested is returned by ParseArgs after printing the version.
var ErrVersionRequested = errors.New("version requested")

// CustomAttribute is a span attribute computed from each connection.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the parsed command-line configuration
type Config struct {
	// BatchSize bounds the number of events handled per drain cycle
	BatchSize int
	// MetricsAddr is the host:port of the Prometheus endpoint, empty to disable it
	MetricsAddr string
	// NetNS is the path of the network namespace to watch, empty for the current one
	NetNS string
	// TraceExporter is one of otlp, stdout or none
	TraceExporter string
	LogLevel      string
	LogFormat     string
	// CustomAttributes are evaluated for every connection span
	CustomAttributes []CustomAttribute
}

// ParseArgs parses command-line arguments and returns a Config.
// Expected format: program_name [flags]
func ParseArgs(args []string, output io.Writer, version, commit, date string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	programName := args[0]
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.SortFlags = false

	cfg := &Config{}
	var (
		attrs       []string
		showVersion bool
	)
	fs.IntVarP(&cfg.BatchSize, "batch-size", "b", DefaultBatchSize, "maximum number of events handled per batch")
	fs.StringVarP(&cfg.MetricsAddr, "metrics-addr", "m", DefaultMetricsAddr, "host:port to serve Prometheus metrics on, empty to disable")
	fs.StringVar(&cfg.NetNS, "netns", "", "path of the network namespace to watch (e.g. /run/netns/blue)")
	fs.StringArrayVarP(&attrs, "attr", "a", nil, "custom span attribute NAME=EXPR, repeatable")
	fs.StringVar(&cfg.TraceExporter, "trace-exporter", TraceExporterOTLP, "span exporter: otlp, stdout or none")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", "console", "log encoding: console or json")
	fs.BoolVarP(&showVersion, "version", "V", false, "print version information and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(output, "Usage: %s [flags]\n\nWatches the kernel connection-tracking table and exports connection telemetry.\n\n", programName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	if showVersion {
		_, _ = fmt.Fprintf(output, "%s %s (commit: %s, built: %s)\n", programName, version, commit, date)
		return nil, ErrVersionRequested
	}

	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	for _, a := range attrs {
		attr, err := ParseCustomAttribute(a)
		if err != nil {
			return nil, err
		}
		cfg.CustomAttributes = append(cfg.CustomAttributes, attr)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCustomAttribute parses a NAME=EXPR attribute definition. Only the first '='
// separates the name, so expressions may contain comparisons.
func ParseCustomAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q: expected NAME=EXPR", s)
	}

	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

func (c *Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}

	switch c.TraceExporter {
	case TraceExporterOTLP, TraceExporterStdout, TraceExporterNone:
	default:
		return fmt.Errorf("unknown trace exporter %q: expected otlp, stdout or none", c.TraceExporter)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q: expected console or json", c.LogFormat)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}
	return nil
}
