// Command wrangler administers a DataWrangler database file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/datawrangler/internal/config"
	"github.com/and161185/datawrangler/internal/service"
	"github.com/and161185/datawrangler/internal/status"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Environment variables naming the acting user of audited commands.
const (
	envUser     = "WRANGLER_USER"
	envPassword = "WRANGLER_PASSWORD"
)

// app carries what every command needs after global flags are parsed.
type app struct {
	out, errOut io.Writer
	log         *zap.Logger
	cfg         *config.FileStore
	settings    config.DBSettings
	user        string
	password    string
}

// command is one subcommand. Exec receives the arguments after its name.
type command struct {
	usage string
	short string
	exec  func(ctx context.Context, a *app, args []string) error
}

func (c command) name() string {
	name, _, _ := strings.Cut(c.usage, " ")
	return name
}

var commands = map[string]command{}

func register(c command) { commands[c.name()] = c }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run parses global flags, resolves the connection settings and dispatches
// to a subcommand. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wrangler", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "settings file (default: user config dir)")
	envFiles := fs.StringSlice("env-file", []string{".env"}, "env files applied before the settings")
	dbPath := fs.String("db", "", "database file, overrides the settings")
	dbPass := fs.String("db-pass", "", "database password, overrides the settings")
	user := fs.StringP("user", "u", "", "acting user ($"+envUser+")")
	password := fs.StringP("password", "p", "", "password of the acting user ($"+envPassword+")")
	verbose := fs.BoolP("verbose", "v", false, "development logging")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr, fs)
		return 2
	}

	name := fs.Arg(0)
	if name == "version" {
		fmt.Fprintf(stdout, "wrangler %s (%s)\n", version, buildDate)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr, fs)
		return 2
	}

	var (
		log *zap.Logger
		err error
	)
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	if err := config.LoadEnv(*envFiles...); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	a := &app{out: stdout, errOut: stderr, log: log, user: *user, password: *password}
	if a.user == "" {
		a.user = os.Getenv(envUser)
	}
	if a.password == "" {
		a.password = os.Getenv(envPassword)
	}

	path := *cfgPath
	if path == "" {
		if path, err = config.DefaultPath(); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
	}
	a.cfg = config.NewFileStore(path)
	a.settings, err = a.cfg.GetDbSettings()
	if err != nil && !errors.Is(err, config.ErrNoDBSettings) {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	a.settings = config.FromEnv(a.settings)
	if fs.Changed("db") {
		a.settings.FilePath = *dbPath
	}
	if fs.Changed("db-pass") {
		a.settings.Password = *dbPass
	}

	if err := cmd.exec(ctx, a, fs.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: wrangler [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "  %-36s %s\n", "version", "Print the version")
	for _, n := range names {
		c := commands[n]
		fmt.Fprintf(w, "  %-36s %s\n", c.usage, c.short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// open opens the configured database and, when credentials are given,
// authenticates the acting user.
func (a *app) open(ctx context.Context) (*service.Service, error) {
	if a.settings.FilePath == "" {
		return nil, fmt.Errorf("%w: run init or pass --db", config.ErrNoDBSettings)
	}
	svc, err := service.Open(ctx, a.settings, nil, a.log)
	if err != nil {
		return nil, err
	}
	if a.user != "" {
		if _, err := result[any](svc.Authenticate(ctx, a.user, a.password)); err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("login %s: %w", a.user, err)
		}
	}
	return svc, nil
}

// withService runs fn on an opened service and closes it afterwards.
func (a *app) withService(ctx context.Context, fn func(*service.Service) error) error {
	svc, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			a.log.Warn("close database", zap.Error(cerr))
		}
	}()
	return fn(svc)
}

// result unwraps a status into its typed value.
func result[T any](st status.Status) (T, error) {
	var zero T
	if !st.Success {
		return zero, st.Err()
	}
	v, ok := st.Result.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s result %T", st.Operation, st.Result)
	}
	return v, nil
}

func (a *app) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s\n", b)
	return err
}
