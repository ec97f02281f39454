// Main package
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cailloumajor/sitecheck/internal/jsonbody"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"
)

const (
	progName  = "sitecheck"
	envPrefix = "SITECHECK"
)

var projectVersion = "dev"

var allowedMethods = []string{"GET", "POST", "PUT", "HEAD", "DELETE"}

// errCheckFailed is returned when the response status is a failure code.
var errCheckFailed = errors.New("check failed")

func envVarName(flagName string) string {
	return envPrefix + "_" + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}

func usageFor(fs *flag.FlagSet, w io.Writer) func() {
	return func() {
		fmt.Fprintln(w, "USAGE")
		fmt.Fprintf(w, "  %s [options]\n", fs.Name())
		fmt.Fprintln(w)
		fmt.Fprintln(w, "OPTIONS")

		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintf(tw, "  Flag\tEnv Var\tDescription\n")
		fs.VisitAll(func(f *flag.Flag) {
			var envVar string
			if f.Name != "verbose" && f.Name != "version" {
				envVar = envVarName(f.Name)
			}
			var defValue string
			if f.DefValue != "" {
				defValue = fmt.Sprintf(" (default: %s)", f.DefValue)
			}
			fmt.Fprintf(tw, "  -%s\t%s\t%s%s\n", f.Name, envVar, f.Usage, defValue)
		})
		if err := tw.Flush(); err != nil {
			panic(err)
		}
	}
}

// codesFlag is a flag.Value holding a status code set, replaced as a whole
// when the flag is set.
type codesFlag struct {
	codes CodeSet
}

func (c *codesFlag) String() string {
	if c == nil || c.codes == nil {
		return ""
	}
	return c.codes.String()
}

func (c *codesFlag) Set(v string) error {
	s, err := ParseCodeSet(v)
	if err != nil {
		return err
	}
	c.codes = s
	return nil
}

type config struct {
	Headers         map[string]string `toml:"headers"`
	RedirectFilters []*RedirectFilter `toml:"redirect_filters"`
}

type settings struct {
	site            string
	method          string
	successCodes    CodeSet
	failureCodes    CodeSet
	headers         map[string]string
	body            any
	sleep           time.Duration
	retries         int
	timeout         time.Duration
	followRedirects bool
	maxRedirects    int
	configFile      string
	verbose         bool
	versionFlag     bool
}

func parseSettings(args []string, output io.Writer) (*settings, error) {
	var (
		s            settings
		headersJSON  string
		bodyJSON     string
		sleepSeconds int
	)
	success := codesFlag{DefaultSuccessCodes()}
	failure := codesFlag{DefaultFailureCodes()}

	fs := flag.NewFlagSet(progName, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&s.site, "site", "", "Address of the site to check (required)")
	fs.StringVar(&s.method, "method", "HEAD", "HTTP method, one of "+strings.Join(allowedMethods, ", "))
	fs.Var(&success, "success-codes", "Status codes considered successful")
	fs.Var(&failure, "failure-codes", "Status codes considered failed")
	fs.StringVar(&headersJSON, "headers", "", "Request headers as a JSON object")
	fs.StringVar(&bodyJSON, "body", "", "Request body as JSON text")
	fs.IntVar(&sleepSeconds, "sleep", 5, "Seconds to wait between retries")
	fs.IntVar(&s.retries, "retries", 3, "Number of attempts on connection errors")
	fs.DurationVar(&s.timeout, "timeout", DefaultTimeout, "Timeout of each attempt")
	fs.BoolVar(&s.followRedirects, "follow-redirects", true, "Follow redirect responses")
	fs.IntVar(&s.maxRedirects, "max-redirects", DefaultMaxRedirects, "Maximum number of redirects to follow, 0 makes any followed redirect an error")
	fs.StringVar(&s.configFile, "config-file", "", "Path to the TOML configuration file")
	fs.BoolVar(&s.verbose, "verbose", false, "Be more verbose")
	fs.BoolVar(&s.versionFlag, "version", false, "Print version information and exit")
	fs.Usage = usageFor(fs, output)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envPrefix)); err != nil {
		return nil, err
	}

	if s.versionFlag {
		return &s, nil
	}

	if s.site == "" {
		return nil, errors.New("missing site address")
	}

	s.method = strings.ToUpper(s.method)
	if !isAllowedMethod(s.method) {
		return nil, fmt.Errorf("unsupported method %q", s.method)
	}

	if err := ValidateCodeSets(success.codes, failure.codes); err != nil {
		return nil, err
	}
	s.successCodes, s.failureCodes = success.codes, failure.codes

	if sleepSeconds < 0 {
		return nil, fmt.Errorf("negative sleep: %d", sleepSeconds)
	}
	s.sleep = time.Duration(sleepSeconds) * time.Second

	if s.retries < 1 {
		return nil, fmt.Errorf("retries must be at least 1, got %d", s.retries)
	}
	if s.maxRedirects < 0 {
		return nil, fmt.Errorf("negative max redirects: %d", s.maxRedirects)
	}

	if headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &s.headers); err != nil {
			return nil, fmt.Errorf("error decoding headers: %w", err)
		}
	}

	if bodyJSON != "" {
		b, err := jsonbody.Decode([]byte(bodyJSON))
		if err != nil {
			return nil, fmt.Errorf("error decoding body: %w", err)
		}
		s.body = b
	}

	return &s, nil
}

func isAllowedMethod(m string) bool {
	for _, am := range allowedMethods {
		if m == am {
			return true
		}
	}
	return false
}

func loadConfig(path string) (*config, error) {
	var cfg config
	if path == "" {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeHeaders layers the configuration file headers, then the command-line
// headers, over the default ones.
func mergeHeaders(fromFile, fromFlag map[string]string) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range fromFile {
		h[k] = v
	}
	for k, v := range fromFlag {
		h[k] = v
	}
	return h
}

// runCheck performs the check and reports its outcome. It returns nil for a
// success or an unexpected status.
func runCheck(ctx context.Context, cm *ConnectionManager, s *settings, l log.Logger) error {
	resp, err := cm.Send(ctx, s.method, s.sleep, s.retries)
	if err != nil {
		return err
	}

	if Report(l, resp, s.successCodes, s.failureCodes) == OutcomeFailure {
		return fmt.Errorf("%w: status %d", errCheckFailed, resp.StatusCode)
	}

	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func main() {
	s, err := parseSettings(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(2)
	}

	if s.versionFlag {
		fmt.Fprintf(os.Stdout, "%s version %s\n", progName, projectVersion)
		os.Exit(0)
	}

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		var logLevel level.Option
		if s.verbose {
			logLevel = level.AllowDebug()
		} else {
			logLevel = level.AllowInfo()
		}
		logger = level.NewFilter(logger, logLevel)
	}

	cfg, err := loadConfig(s.configFile)
	if err != nil {
		level.Error(logger).Log("during", "decoding configuration", "err", err)
		os.Exit(2)
	}

	filterLogger := log.With(logger, "component", "redirect_filter")
	accepter, err := NewRedirectAccepters(cfg.RedirectFilters, level.Debug(filterLogger))
	if err != nil {
		level.Error(filterLogger).Log("during", "filter validation", "err", err)
		os.Exit(2)
	}

	cmLogger := log.With(logger, "component", "connection_manager")
	cm, err := NewConnectionManager(
		s.site,
		mergeHeaders(cfg.Headers, s.headers),
		s.body,
		cmLogger,
		WithTimeout(s.timeout),
		WithFollowRedirects(s.followRedirects),
		WithMaxRedirects(s.maxRedirects),
		WithRedirectAccepter(accepter),
	)
	if err != nil {
		level.Error(cmLogger).Log("during", "initialization", "err", err)
		os.Exit(2)
	}

	var g run.Group

	{
		checkLogger := log.With(logger, "component", "check")
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			defer level.Debug(checkLogger).Log("status", "check done")
			return runCheck(ctx, cm, s, checkLogger)
		}, func(_ error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	runErr := g.Run()

	var se run.SignalError
	switch {
	case runErr == nil:
		level.Debug(logger).Log("status", "program end")
	case errors.As(runErr, &se):
		level.Warn(logger).Log("status", "program end", "msg", runErr)
	default:
		level.Error(logger).Log("status", "program end", "site", s.site, "err", runErr)
	}

	os.Exit(exitCode(runErr))
}
