// Package cli implements the zmqflow command line: run, keygen, channels
// and tasks. Applications build their own binary around an Application and
// hand os.Args to Main.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/drblury/zmqflow/internal/runtime"
	"github.com/drblury/zmqflow/internal/runtime/auth"
	configpkg "github.com/drblury/zmqflow/internal/runtime/config"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
)

// ErrUsage marks a command line that could not be understood. Main exits
// with status 2 for it.
var ErrUsage = errors.New("usage error")

// CLI runs the commands for one application.
type CLI struct {
	Name   string
	App    *runtime.Application
	Deps   runtime.ServerDependencies
	Stdout io.Writer
	Stderr io.Writer

	// newKeypair is swapped in tests.
	newKeypair func() (auth.Keypair, error)
}

// New returns a CLI writing to the process stdout and stderr.
func New(name string, app *runtime.Application) *CLI {
	return &CLI{
		Name:       name,
		App:        app,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		newKeypair: auth.NewKeypair,
	}
}

// Main runs the command in args (without the program name) and returns the
// process exit code.
func (c *CLI) Main(ctx context.Context, args []string) int {
	err := c.Run(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, ErrUsage):
		fmt.Fprintf(c.Stderr, "error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(c.Stderr, "error: %v\n", err)
		return 1
	}
}

// Run dispatches to the sub-command named by args[0].
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.printUsage()
		return fmt.Errorf("%w: a command is required", ErrUsage)
	}
	if c.App == nil {
		c.App = runtime.NewApplication()
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return c.run(ctx, rest)
	case "keygen":
		return c.keygen(rest)
	case "channels":
		return c.list("channels", rest, c.App.Channels())
	case "tasks":
		return c.list("tasks", rest, c.App.Tasks())
	case "help", "-h", "--help":
		c.printUsage()
		return nil
	default:
		c.printUsage()
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (c *CLI) flagSet(cmd string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(c.Name+" "+cmd, pflag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	return fs
}

func (c *CLI) parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if extra := fs.Args(); len(extra) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", ErrUsage, extra[0])
	}
	return nil
}

func (c *CLI) run(ctx context.Context, args []string) error {
	var configPath string
	fs := c.flagSet("run")
	fs.StringVarP(&configPath, "config", "c", "", "configuration file (.toml, .yaml or .json)")
	// Bound to a scratch config: only the flags actually passed are copied
	// over the loaded file and environment.
	scratch := configpkg.Default()
	configpkg.BindFlags(fs, &scratch)
	if err := c.parse(fs, args); err != nil {
		return err
	}

	conf, err := LoadConfig(configPath, fs)
	if err != nil {
		return err
	}

	log, err := loggingpkg.New(loggingpkg.Options{
		Level:  conf.Log.Level,
		Format: conf.Log.Format,
		Output: c.Stderr,
	}.ApplyEnv())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	deps := c.Deps
	if deps.Output == nil {
		deps.Output = c.Stdout
	}
	srv, err := runtime.NewServer(conf, c.App, log, deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// LoadConfig layers defaults, the file at path, the environment and the
// flags set on fs.
func LoadConfig(path string, fs *pflag.FlagSet) (configpkg.Config, error) {
	conf, err := configpkg.Load(path)
	if err != nil {
		return configpkg.Config{}, err
	}
	if fs != nil {
		if err := configpkg.ApplyFlags(fs, &conf); err != nil {
			return configpkg.Config{}, fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	return conf, nil
}

func (c *CLI) keygen(args []string) error {
	if err := c.parse(c.flagSet("keygen"), args); err != nil {
		return err
	}
	gen := c.newKeypair
	if gen == nil {
		gen = auth.NewKeypair
	}
	kp, err := gen()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(c.Stdout, kp.Format())
	return err
}

func (c *CLI) list(cmd string, args []string, names []string) error {
	if err := c.parse(c.flagSet(cmd), args); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(c.Stdout, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) printUsage() {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage:\n  %s <command> [flags]\n\n", c.Name)
	b.WriteString("Commands:\n")
	b.WriteString("  run       start the workers described by the configuration\n")
	b.WriteString("  keygen    print a new CURVE keypair\n")
	b.WriteString("  channels  list the channels publisher tasks send on\n")
	b.WriteString("  tasks     list the pusher tasks\n")
	fmt.Fprintf(&b, "\nRun '%s run --help' for the server flags.\n", c.Name)
	fmt.Fprint(c.Stderr, b.String())
}
