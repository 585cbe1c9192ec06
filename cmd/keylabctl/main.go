// keylabctl - keystroke study tooling
//
// keylabctl replays recorded key traces into study artifacts, uploads
// artifacts to keylabd, and issues or checks survey completion codes.
//
//	keylabctl replay trace.jsonl --user 0a1b2c3d --platform 2 --task 4 --out data/
//	keylabctl upload data/t_0a1b2c3d_4.csv
//	keylabctl code generate --user 0a1b2c3d
//	keylabctl code validate TASK-M5X2K9-ABC123-7QZ1
//	keylabctl tasks
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"keylab/internal/config"
	"keylab/internal/security"
	"keylab/internal/upload"
)

// Version is set at build time.
var Version = "dev"

type app struct {
	configPath string
	endpoint   string
	timeout    time.Duration
	noColor    bool

	cfg *config.Config
	out io.Writer
	now func() time.Time
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, now: time.Now}

	root := &cobra.Command{
		Use:           "keylabctl",
		Short:         "Keystroke study tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.noColor {
				color.NoColor = true
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "keylab.toml", "configuration file")
	pf.StringVar(&a.endpoint, "endpoint", "", "keylabd base URL (overrides config)")
	pf.DurationVar(&a.timeout, "timeout", 0, "request timeout (overrides config)")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.replayCmd(),
		a.uploadCmd(),
		a.codeCmd(),
		a.tasksCmd(),
	)
	return root
}

// client returns an uploader for the configured endpoint.
func (a *app) client() (*upload.Client, error) {
	endpoint := a.cfg.Upload.Endpoint
	if a.endpoint != "" {
		endpoint = a.endpoint
	}
	timeout := a.cfg.Upload.Timeout()
	if a.timeout > 0 {
		timeout = a.timeout
	}
	return upload.New(endpoint, timeout,
		upload.WithRateLimiter(security.NewRateLimiter(5, 5)),
		upload.WithUserAgent("keylabctl/"+Version),
	)
}
