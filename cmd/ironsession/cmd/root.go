package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/ironsession/auth"
	"github.com/jmcleod/ironsession/internal/config"
	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/keeper"
)

var (
	dataDir  string
	baseURL  string
	logLevel string

	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ironsession",
	Short: "ironsession keeps a signed-in session alive",
	Long: `Sign in to the auth service, keep the access token fresh and share the
session with local processes through the agent.

Every setting can also be given as an IRONSESSION_* environment variable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			c.DataDir = dataDir
		}
		if cmd.Flags().Changed("base-url") {
			c.BaseURL = baseURL
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		log = logger.New("ironsession", cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the session database (default ~/.ironsession)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Auth service base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// openKeeper opens the session in the configured data dir.
func openKeeper(ctx context.Context) (*keeper.Keeper, error) {
	k, err := keeper.Open(ctx, cfg, keeper.WithLogger(log))
	if errors.Is(err, keeper.ErrDatabaseBusy) {
		return nil, fmt.Errorf("%w; stop the agent or use its API at http://%s/api/v1", err, cfg.AgentAddr)
	}
	return k, err
}

// prompter reads answers line by line from the command's input. Secrets
// are read without echo when the input is a terminal.
type prompter struct {
	raw io.Reader
	in  *bufio.Reader
	out io.Writer

	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

func newPrompter(cmd *cobra.Command) *prompter {
	in := cmd.InOrStdin()
	return &prompter{
		raw:          in,
		in:           bufio.NewReader(in),
		out:          cmd.ErrOrStderr(),
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// askSecret prompts for a value that must not be echoed. Piped input is
// read as a plain line.
func (p *prompter) askSecret(label string) (string, error) {
	f, ok := p.raw.(*os.File)
	if !ok || !p.isTerminal(int(f.Fd())) {
		return p.ask(label)
	}
	fmt.Fprintf(p.out, "%s: ", label)
	b, err := p.readPassword(int(f.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return string(b), nil
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// lastNotice returns the newest queued notification message, used to
// explain a failed operation.
func lastNotice(k *keeper.Keeper) string {
	active := k.Notifications.Active()
	if len(active) == 0 {
		return ""
	}
	return active[len(active)-1].Message
}

// signedInAs names the signed-in user, falling back when the machine holds
// no profile.
func signedInAs(st auth.State, fallback string) string {
	if st.User != nil {
		if name := st.User.DisplayName(); name != "" {
			return name
		}
	}
	return fallback
}

func failure(k *keeper.Keeper, what string) error {
	if msg := lastNotice(k); msg != "" {
		return fmt.Errorf("%s: %s", what, msg)
	}
	return errors.New(what)
}
