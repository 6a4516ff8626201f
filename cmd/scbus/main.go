// scbus hosts or inspects a control-bus shared memory segment.
//
// Usage:
//
//	scbus serve [flags]                       create the segment and drain writes
//	scbus get   [flags] [index...]            print bus values
//	scbus set   [flags] index value [...]     queue bus writes
//	scbus fill  [flags] start count value     queue a range write
//	scbus dump  [flags] --format yaml|cbor    write a snapshot to stdout
//	scbus info  [flags]                       print segment metadata
//	scbus version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"gosuda.org/scbus"
	"gosuda.org/scbus/internal/codec"
	"gosuda.org/scbus/internal/config"
)

var version = "dev"

var errUsage = errors.New("usage: scbus serve|get|set|fill|dump|info|version [flags]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "get":
		return runGet(args[1:], stdout)
	case "set":
		return runSet(args[1:], stdout)
	case "fill":
		return runFill(args[1:])
	case "dump":
		return runDump(args[1:], stdout)
	case "info":
		return runInfo(args[1:], stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "scbus %s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; %w", args[0], errUsage)
	}
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	port       int
	dir        string
	logLevel   string
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to YAML config file (default $"+config.EnvConfig+")")
	fs.IntVarP(&c.port, "port", "p", 0, "synthesis server port")
	fs.StringVar(&c.dir, "dir", "", "directory holding the segment file (default /dev/shm)")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
}

// load resolves the configuration, applies the flags that were set, then
// any subcommand overrides.
func (c *common) load(fs *pflag.FlagSet, override func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if fs.Changed("port") {
		cfg.Server.Port = c.port
	}
	if fs.Changed("dir") {
		cfg.Server.SegmentDir = c.dir
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	return cfg, logger, nil
}

func (c *common) open(fs *pflag.FlagSet) (*scbus.Client, error) {
	cfg, logger, err := c.load(fs, nil)
	if err != nil {
		return nil, err
	}
	return scbus.Open(cfg.Server.Port, scbus.WithDir(cfg.Server.SegmentDir), scbus.WithLogger(logger))
}

func runServe(ctx context.Context, args []string) error {
	var c common
	var count, queueCap int
	var cycle string
	var reclaim bool

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.IntVarP(&count, "control-busses", "c", 0, "number of control buses")
	fs.IntVar(&queueCap, "queue-capacity", 0, "write queue slots")
	fs.StringVar(&cycle, "cycle", "", "drain period, e.g. 1.45ms")
	fs.BoolVar(&reclaim, "reclaim-stale", false, "remove a segment left by a dead server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("serve: unexpected argument %q", fs.Arg(0))
	}

	cfg, logger, err := c.load(fs, func(cfg *config.Config) {
		if fs.Changed("control-busses") {
			cfg.Server.ControlBusses = count
		}
		if fs.Changed("queue-capacity") {
			cfg.Server.QueueCapacity = queueCap
		}
		if fs.Changed("cycle") {
			cfg.Server.Cycle = cycle
		}
		if fs.Changed("reclaim-stale") {
			cfg.Server.ReclaimStale = reclaim
		}
	})
	if err != nil {
		return err
	}

	srv, err := scbus.NewServer(cfg.ScbusServer(), scbus.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, scbus.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Close()
	})
	return g.Wait()
}

func runGet(args []string, stdout io.Writer) error {
	var c common
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := c.open(fs)
	if err != nil {
		return err
	}
	defer client.Close()

	view := client.ControlBusses()
	if fs.NArg() == 0 {
		for i, v := range view.Snapshot() {
			fmt.Fprintf(stdout, "%d\t%g\n", i, v)
		}
		return nil
	}
	for _, arg := range fs.Args() {
		i, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bus index %q: %w", arg, err)
		}
		v, err := view.At(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d\t%g\n", i, v)
	}
	return nil
}

func runSet(args []string, stdout io.Writer) error {
	var c common
	fs := pflag.NewFlagSet("set", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 || fs.NArg()%2 != 0 {
		return errors.New("set: expected index value pairs")
	}

	items := make([]scbus.BusValue, 0, fs.NArg()/2)
	for i := 0; i < fs.NArg(); i += 2 {
		index, err := strconv.Atoi(fs.Arg(i))
		if err != nil {
			return fmt.Errorf("bus index %q: %w", fs.Arg(i), err)
		}
		value, err := strconv.ParseFloat(fs.Arg(i+1), 32)
		if err != nil {
			return fmt.Errorf("bus value %q: %w", fs.Arg(i+1), err)
		}
		items = append(items, scbus.BusValue{Index: index, Value: float32(value)})
	}

	client, err := c.open(fs)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.SetControlBusses(items...)
	fmt.Fprintf(stdout, "queued %d of %d\n", n, len(items))
	return err
}

func runFill(args []string) error {
	var c common
	fs := pflag.NewFlagSet("fill", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("fill: expected start count value")
	}
	start, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("start %q: %w", fs.Arg(0), err)
	}
	count, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("count %q: %w", fs.Arg(1), err)
	}
	value, err := strconv.ParseFloat(fs.Arg(2), 32)
	if err != nil {
		return fmt.Errorf("value %q: %w", fs.Arg(2), err)
	}

	client, err := c.open(fs)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.FillControlBusses(start, count, float32(value))
}

// Snapshot is the document dump writes.
type Snapshot struct {
	Segment string    `yaml:"segment" cbor:"segment"`
	Port    int       `yaml:"port" cbor:"port"`
	Count   int       `yaml:"count" cbor:"count"`
	Values  []float32 `yaml:"values,flow" cbor:"values"`
}

func runDump(args []string, stdout io.Writer) error {
	var c common
	var format string
	fs := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVarP(&format, "format", "f", "yaml", "output format: yaml or cbor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if format != "yaml" && format != "cbor" {
		return fmt.Errorf("dump: unknown format %q", format)
	}

	client, err := c.open(fs)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.Info()
	if err != nil {
		return err
	}
	values := client.ControlBusses().Snapshot()
	snap := Snapshot{
		Segment: info.Name,
		Port:    client.Port(),
		Count:   len(values),
		Values:  values,
	}

	if format == "cbor" {
		return codec.NewEncoder(stdout).Encode(snap)
	}
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return enc.Encode(snap)
}

func runInfo(args []string, stdout io.Writer) error {
	var c common
	fs := pflag.NewFlagSet("info", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := c.open(fs)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "segment:        %s\n", info.Name)
	fmt.Fprintf(stdout, "path:           %s\n", info.Path)
	fmt.Fprintf(stdout, "owner pid:      %d\n", info.OwnerPID)
	fmt.Fprintf(stdout, "control busses: %d\n", info.Count)
	fmt.Fprintf(stdout, "queue capacity: %d\n", info.QueueCapacity)
	fmt.Fprintf(stdout, "ready:          %t\n", info.Ready)
	fmt.Fprintf(stdout, "closed:         %t\n", info.Closed)
	return nil
}
