// Command metar downloads the latest METAR for one or more stations and
// optionally decodes it.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/metar"
	"github.com/kjstillabower/metar-service/internal/observability"
	"github.com/kjstillabower/metar-service/internal/presentation"
	"github.com/kjstillabower/metar-service/internal/validation"
)

const fetchTimeout = 15 * time.Second

// options holds parsed command-line flags.
type options struct {
	decode   bool
	verbose  bool
	help     bool
	stations []string
}

func parseArgs(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	opts := &options{}
	fs := flag.NewFlagSet("metar", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&opts.decode, "decode", "d", false, "decode metar")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "be verbose")
	fs.BoolVarP(&opts.help, "help", "h", false, "show this help")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	opts.stations = fs.Args()
	return opts, fs, nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: metar [options] STATION...")
	fmt.Fprintln(w, "Options")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w, "Example: metar -d ehgr")
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, fs, _ := parseArgs(nil, stderr)
		printUsage(stdout, fs)
		return 1
	}
	opts, fs, err := parseArgs(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if opts.help {
		printUsage(stdout, fs)
		return 0
	}
	if len(opts.stations) == 0 {
		printUsage(stdout, fs)
		return 1
	}

	logger, err := observability.NewCLILogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	baseURL := os.Getenv("METARURL")
	if baseURL != "" {
		logger.Debug("using environment variable METARURL", zap.String("url", baseURL))
	}
	noaa, err := client.NewNOAAClient(baseURL, fetchTimeout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	decoder := metar.NewDecoder(logger)

	for _, arg := range opts.stations {
		if err := show(ctx, noaa, decoder, arg, opts.decode, stdout, logger); err != nil {
			fmt.Fprintf(stdout, "Error: %v\n", err)
		}
	}
	return 0
}

// show prints the report body for one station and, when decode is set, its rendering.
func show(ctx context.Context, noaa client.BulletinClient, decoder *metar.Decoder, arg string, decode bool, w io.Writer, logger *zap.Logger) error {
	station, err := validation.ValidateStation(arg)
	if err != nil {
		return fmt.Errorf("%s: %w", arg, err)
	}
	logger.Debug("retrieving bulletin", zap.String("station", station))

	raw, err := noaa.FetchBulletin(ctx, station)
	if err != nil {
		return fmt.Errorf("%s: %w", station, err)
	}
	if !decode {
		env, err := metar.ExtractEnvelope(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", station, err)
		}
		_, err = fmt.Fprintln(w, env.Body)
		return err
	}

	res, err := decoder.DecodeBulletin(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", station, err)
	}
	if _, err := fmt.Fprintln(w, res.Envelope.Body); err != nil {
		return err
	}
	return presentation.Write(w, res.Report)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
