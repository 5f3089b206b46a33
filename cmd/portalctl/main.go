// Command portalctl drives the portal API from a terminal: log in, inspect
// the session and issue authenticated GETs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apiclient "github.com/tharun-truereach/Solarium-CP-CU-APP-sub004"
	"github.com/tharun-truereach/Solarium-CP-CU-APP-sub004/internal/config"
)

const usage = `usage: portalctl [flags] <command>

commands:
  login        sign in (PORTAL_EMAIL / PORTAL_PASSWORD or -email / -password)
  whoami       show the signed-in user
  get PATH     GET PATH and print the JSON body
  logout       end the session
  version      print the version

flags:
`

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	errColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("portalctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	email := fs.String("email", "", "login email (default $PORTAL_EMAIL)")
	password := fs.String("password", "", "login password (default $PORTAL_PASSWORD)")
	remember := fs.Bool("remember", true, "persist the session for later commands")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintln(stdout, apiclient.GetVersion())
		return 0
	}

	if err := config.LoadDotEnv(); err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}
	if *metricsAddr == "" {
		*metricsAddr = cfg.MetricsAddr
	}

	logger := newLogger(stderr, cfg.Debug)
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := cfg.TokenStore()
	if err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing session store", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := apiclient.NewMetricsCollectorWithRegistry(registry)
	if *metricsAddr != "" {
		srv := serveMetrics(*metricsAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := append(cfg.ClientOptions(logger),
		apiclient.WithTokenStore(store),
		apiclient.WithMetricsCollector(metrics),
		apiclient.WithMiddleware(userAgent),
		apiclient.WithSubscriber(eventLogger(logger)),
	)
	client := apiclient.New(opts...)
	if !client.IsValid() {
		errColor.Fprintln(stderr, client.ValidationError())
		return 1
	}

	if _, err := client.Restore(ctx); err != nil {
		warnColor.Fprintf(stderr, "ignoring remembered session: %v\n", err)
	}

	switch cmd {
	case "login":
		cred := apiclient.Credentials{
			Email:    firstNonEmpty(*email, os.Getenv("PORTAL_EMAIL")),
			Password: firstNonEmpty(*password, os.Getenv("PORTAL_PASSWORD")),
			Remember: *remember,
		}
		err = login(ctx, client, cred, stdout)
	case "whoami":
		err = whoami(client, stdout)
	case "get":
		if len(cmdArgs) != 1 {
			fs.Usage()
			return 2
		}
		err = get(ctx, client, cmdArgs[0], stdout)
	case "logout":
		if err = client.Logout(ctx); err == nil {
			okColor.Fprintln(stdout, "logged out")
		}
	default:
		errColor.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

func login(ctx context.Context, client *apiclient.Client, cred apiclient.Credentials, stdout io.Writer) error {
	sess, err := client.Login(ctx, cred)
	if err != nil {
		return err
	}
	name := cred.Email
	if sess.User != nil && sess.User.Name != "" {
		name = sess.User.Name
	}
	okColor.Fprintf(stdout, "logged in as %s\n", name)
	if !sess.ExpiresAt.IsZero() {
		dimColor.Fprintf(stdout, "token expires %s\n", sess.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func whoami(client *apiclient.Client, stdout io.Writer) error {
	if !client.Authenticated() {
		return apiclient.ErrNoSession
	}
	user, ok := client.CurrentUser()
	if !ok {
		okColor.Fprintln(stdout, "signed in (no profile in session)")
		return nil
	}
	okColor.Fprintf(stdout, "%s <%s>\n", user.Name, user.Email)
	dimColor.Fprintf(stdout, "id %s, role %s\n", user.ID, user.Role)
	return nil
}

func get(ctx context.Context, client *apiclient.Client, path string, stdout io.Writer) error {
	resp, err := client.Get(ctx, path)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		_, err = pretty.WriteTo(stdout)
	} else {
		_, err = stdout.Write(resp.Body)
	}
	fmt.Fprintln(stdout)
	return err
}

func printError(w io.Writer, err error) {
	var apiErr *apiclient.APIError
	switch {
	case errors.As(err, &apiErr):
		errColor.Fprintf(w, "%s: %s\n", apiErr.Kind, apiErr.Message)
		if apiErr.CorrelationID != "" {
			dimColor.Fprintf(w, "correlation id %s\n", apiErr.CorrelationID)
		}
		if apiErr.RetryAfter > 0 {
			warnColor.Fprintf(w, "retry after %s\n", apiErr.RetryAfter)
		}
		if errors.Is(err, apiclient.ErrSessionExpired) || apiErr.Kind == apiclient.KindUnauthorized {
			warnColor.Fprintln(w, "run `portalctl login` to sign in again")
		}
	case errors.Is(err, apiclient.ErrNoSession):
		errColor.Fprintln(w, "not signed in")
	default:
		errColor.Fprintln(w, err)
	}
}

func userAgent(req *http.Request, next apiclient.RoundTripper) (*http.Response, error) {
	req.Header.Set("User-Agent", apiclient.UserAgent())
	return next.RoundTrip(req)
}

func eventLogger(logger *zap.Logger) apiclient.Subscriber {
	return apiclient.SubscriberFunc(func(_ context.Context, e apiclient.Event) {
		logger.Debug("api event",
			zap.String("type", string(e.Type)),
			zap.Int("status", e.StatusCode),
			zap.String("correlationID", e.CorrelationID),
		)
	})
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

func newLogger(w io.Writer, debug bool) *zap.Logger {
	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
