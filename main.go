package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

// Version is set at build time via ldflags
var version = "dev"

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("cli-relay command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cli-relay",
		Short:         "Relay an interactive AI CLI running in tmux to Telegram",
		SilenceErrors: true,
		SilenceUsage:  true,
		// Without a subcommand: first-time setup, then serve.
		RunE: func(cmd *cobra.Command, args []string) error {
			if !configExists() {
				if err := runSetup(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), ""); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), serveOptions{})
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newSetupCmd())
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newVersionCmd())
	return root
}

type serveOptions struct {
	backend      string
	observerAddr string
	daemonChild  bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "terminal backend: tmux or pty (overrides config)")
	cmd.Flags().StringVar(&opts.observerAddr, "observer", "", "listen address of the web observer (overrides config)")
	cmd.Flags().BoolVar(&opts.daemonChild, "daemon-child", false, "internal: set by daemon start")
	_ = cmd.Flags().MarkHidden("daemon-child")
	return cmd
}

func loadValidConfig(backend string) (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", getConfigPath(), err)
	}
	return cfg, nil
}

func serve(ctx context.Context, opts serveOptions) error {
	logger := pslog.Ctx(ctx)
	if opts.daemonChild {
		defer removePIDFile()
	}

	cfg, err := loadValidConfig(opts.backend)
	if err != nil {
		return err
	}
	if opts.observerAddr != "" {
		cfg.Observer.Addr = opts.observerAddr
	}
	if cfg.Telegram.BotToken == "" {
		return errors.New("no bot token configured: run `cli-relay setup`")
	}

	backend := newBackend(cfg)
	if pt, ok := backend.(*PTYTerminal); ok {
		defer pt.Close()
	}
	relay := NewRelay(backend, cfg.RelayConfig(), NewFileTargetStore(lastSessionPath()), cfg.DefaultTarget())
	if err := relay.Prepare(ctx); err != nil {
		logger.Warn("target not ready", "target", relay.Target().String(), "err", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("connect to telegram: %w", err)
	}

	var mirror Sink
	if cfg.Observer.Addr != "" {
		hub := NewObserverHub(cfg.Observer.PasswordHash)
		if cfg.Observer.PasswordHash == "" {
			logger.Warn("observer has no password, web prompts disabled; set observer.password_hash with `cli-relay hash-password --save`")
		} else {
			hub.SetPromptHandler(func(ctx context.Context, text string) {
				if _, err := relay.Ask(ctx, text, hub); err != nil {
					hub.Status("error: " + err.Error())
				}
			})
		}
		mirror = hub
		go func() {
			if err := hub.Serve(ctx, cfg.Observer.Addr); err != nil {
				logger.Error("observer stopped", "err", err)
			}
		}()
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		bot.StopReceivingUpdates()
	}()

	logger.Info("listening",
		"bot", bot.Self.UserName,
		"allowed_users", len(cfg.Telegram.AllowedUsers),
		"backend", cfg.Backend,
		"target", relay.Target().String(),
		"version", version,
	)
	NewBridge(bot, bot.Self.UserName, cfg, relay, mirror).Run(ctx, updates)
	logger.Info("shutting down")
	return nil
}

func newAskCmd() *cobra.Command {
	var (
		target  string
		backend string
	)
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send one prompt to the CLI and print the response",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" || prompt == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = string(data)
			}
			cfg, err := loadValidConfig(backend)
			if err != nil {
				return err
			}

			t := cfg.DefaultTarget()
			var store TargetStore = NewFileTargetStore(lastSessionPath())
			if target != "" {
				if t, err = ParseTarget(target); err != nil {
					return err
				}
				store = nil
			}

			b := newBackend(cfg)
			if pt, ok := b.(*PTYTerminal); ok {
				defer pt.Close()
			}
			relay := NewRelay(b, cfg.RelayConfig(), store, t)
			sink := NewConsoleSink(cmd.OutOrStdout())
			res, err := relay.Ask(cmd.Context(), prompt, sink)
			sink.Finish()
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Debug("ask finished", "reason", res.Reason.String(), "ticks", res.Ticks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "session[:window] to ask (default: last used)")
	cmd.Flags().StringVar(&backend, "backend", "", "terminal backend: tmux or pty (overrides config)")
	return cmd
}

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup [bot-token]",
		Short: "Connect a Telegram bot and approve its owner",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			if err := runSetup(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Run `cli-relay serve` (or `cli-relay daemon start`) to start relaying.")
			return nil
		},
	}
}

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background bridge",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start [serve flags...]",
		Short: "Start serve in the background",
		Args:  cobra.ArbitraryArgs,
		// Flags are passed through to the child's serve command.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonize(cmd.OutOrStdout(), args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the background bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonStop(cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the background bridge runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonStatus(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for observer.password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := hashPassword(password)
			if err != nil {
				return err
			}
			if save {
				if err := updateConfigFile(map[string]any{"observer.password_hash": hash}); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "also store the hash in the config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cli-relay %s\n", version)
			return err
		},
	}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

type approvalOutcome int

const (
	approvalRejected approvalOutcome = iota
	approvalAccepted
	approvalLocked
	approvalExpired
)

// approvalGate checks first-connection codes: constant time comparison, a
// fixed number of attempts and an expiry.
type approvalGate struct {
	code        string
	expires     time.Time
	maxAttempts int
	attempts    int
}

func newApprovalGate(code string, now time.Time) *approvalGate {
	return &approvalGate{code: code, expires: now.Add(15 * time.Minute), maxAttempts: 5}
}

// check returns the outcome and, for a rejection, the attempts left.
func (g *approvalGate) check(text string, now time.Time) (approvalOutcome, int) {
	if now.After(g.expires) {
		return approvalExpired, 0
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(text)), []byte(g.code)) == 1 {
		return approvalAccepted, 0
	}
	g.attempts++
	remaining := g.maxAttempts - g.attempts
	if remaining <= 0 {
		return approvalLocked, 0
	}
	return approvalRejected, remaining
}

// runSetup connects the bot and whitelists the first Telegram user who sends
// back the approval code printed on this terminal.
func runSetup(ctx context.Context, in io.Reader, out io.Writer, token string) error {
	fmt.Fprintf(out, "cli-relay %s\n", version)
	if token == "" {
		fmt.Fprint(out, "\nTelegram bot token: ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.New("no bot token given")
	}

	fmt.Fprintln(out, "\n⏳ Connecting to Telegram...")
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("connect to telegram: %w", err)
	}
	code, err := generateCode()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "✅ Connected!")
	fmt.Fprintf(out, "🤖 Bot: @%s\n", bot.Self.UserName)
	fmt.Fprintln(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(out, "🔐 SECURITY: First Connection Setup")
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(out, "\nGo to Telegram and message @%s\n", bot.Self.UserName)
	fmt.Fprintln(out, "Then send this approval code:")
	fmt.Fprintf(out, "\n    👉 %s\n\n", code)
	fmt.Fprintln(out, "Waiting for approval (expires in 15 minutes)...")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	gate := newApprovalGate(code, time.Now())
	for {
		var update tgbotapi.Update
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram updates stopped")
			}
			update = u
		}
		m := update.Message
		if m == nil || m.From == nil {
			continue
		}
		send := func(text string) { _, _ = bot.Send(tgbotapi.NewMessage(m.Chat.ID, text)) }

		outcome, remaining := gate.check(m.Text, time.Now())
		switch outcome {
		case approvalExpired:
			send("❌ Approval code expired. Please restart the setup process.")
			return errors.New("approval code expired")
		case approvalLocked:
			send("❌ Too many failed attempts. Approval locked. Please restart the setup process.")
			return errors.New("too many failed approval attempts")
		case approvalRejected:
			send(fmt.Sprintf("❌ Invalid approval code. %d attempts remaining.", remaining))
			continue
		}

		cfg := &Config{Telegram: TelegramConfig{BotToken: token, AllowedUsers: []int64{m.From.ID}}}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n✅ User approved!\n   @%s (ID: %d)\n\n", m.From.UserName, m.From.ID)
		fmt.Fprintf(out, "Whitelist saved to %s\n", getConfigPath())
		send(fmt.Sprintf("✅ Approved!\n\nUser: @%s (ID: %d)\n\n"+
			"Messages you send here now go to the CLI.", m.From.UserName, m.From.ID))
		return nil
	}
}
