// Package cli implements distctl, the operator command line for the
// distribution server's object store.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/ippclub/dora-apt/internal/app"
	"github.com/ippclub/dora-apt/internal/config"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var appVersion = "dev"

// SetVersion sets the version reported by the version command.
func SetVersion(v string) {
	appVersion = v
}

type cli struct {
	flagConfig  string
	flagNoColor bool
	flagVerbose bool

	cfg *config.Config
	svc *app.App
}

// NewRootCmd builds the distctl command tree.
func NewRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "distctl",
		Short: "Inspect and publish to the APT distribution store",
		Long: `distctl works directly on the object store of the distribution server.

It publishes build artifacts and prints the repository documents the
server would serve for a branch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&c.flagConfig, "config", "", "Config file path (default: config/config.yaml)")
	root.PersistentFlags().BoolVar(&c.flagNoColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVarP(&c.flagVerbose, "verbose", "v", false, "Log to stderr")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if c.flagNoColor || !isTTY(cmd.OutOrStdout()) {
			color.NoColor = true
		}
		if !needsStore(cmd) {
			return nil
		}
		return c.open()
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return c.close()
	}

	root.AddCommand(
		c.newUploadCmd(),
		c.newImportCmd(),
		c.newPackagesCmd(),
		c.newReleaseCmd(),
		c.newLatestCmd(),
		c.newFilesCmd(),
		c.newPruneCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute is the entry point called from main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func (c *cli) open() error {
	var err error
	if c.flagConfig != "" {
		c.cfg, err = config.LoadFromFile(c.flagConfig)
	} else {
		c.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := zap.NewNop()
	if c.flagVerbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	c.svc, err = app.New(c.cfg, log, nil)
	return err
}

func (c *cli) close() error {
	if c.svc == nil {
		return nil
	}
	err := c.svc.Close()
	c.svc = nil
	return err
}

// needsStore reports whether cmd works on the object store. Version, help
// and shell completion run without a config.
func needsStore(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return false
	}
	return !cmd.HasParent() || cmd.Parent().Name() != "completion"
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the distctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "distctl %s\n", appVersion)
		},
	}
}

// ok prints a green success line.
func ok(w io.Writer, format string, a ...any) {
	fmt.Fprintln(w, color.GreenString("✓"), fmt.Sprintf(format, a...))
}

// header prints a cyan section heading.
func header(w io.Writer, format string, a ...any) {
	fmt.Fprintln(w, color.CyanString(fmt.Sprintf(format, a...)))
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-16s %s\n", color.CyanString(label+":"), value)
}
