package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"page-capture-llm/browser"
	"page-capture-llm/capture"
	"page-capture-llm/config"
	"page-capture-llm/gateway"
	"page-capture-llm/logutil"
	"page-capture-llm/messages"
	"page-capture-llm/orchestrator"
	"page-capture-llm/render"
	"page-capture-llm/router"
	"page-capture-llm/store"
)

type cliOptions struct {
	mode       string
	htmlOutput bool
	outPath    string
	verbose    bool
	apiKeyPath string
	headful    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &cliOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(os.Args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "page-capture <url>",
		Short:         "Capture a web page region and analyze it with an AI vision backend",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd.Context(), *opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "visible", "Capture mode: visible, full, or area")
	cmd.Flags().BoolVar(&opts.headful, "headful", false, "Run the browser with a visible window (required for area mode)")
	cmd.PersistentFlags().BoolVar(&opts.htmlOutput, "html", false, "Render the result as HTML instead of Markdown")
	cmd.PersistentFlags().StringVar(&opts.outPath, "out", "", "Write the result to a file instead of stdout")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")
	cmd.PersistentFlags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")

	cmd.AddCommand(newModelsCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	return cmd
}

func setupLogging(cfg *config.Config, verbose bool) {
	// Configure logging BEFORE any other operations.
	if verbose {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}
	if cfg.EnableFileLogging {
		logutil.Setup(true)
	}
}

func loadConfig(opts cliOptions) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{CredentialPathOverride: opts.apiKeyPath})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg, opts.verbose)
	return cfg, nil
}

func parseMode(s string) (store.Mode, error) {
	switch store.Mode(strings.ToLower(s)) {
	case store.ModeVisible:
		return store.ModeVisible, nil
	case store.ModeFull:
		return store.ModeFull, nil
	case store.ModeArea:
		return store.ModeArea, nil
	}
	return "", fmt.Errorf("unknown mode %q (want visible, full, or area)", s)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.StorePath == "" {
		return store.New(), nil
	}
	st, err := store.NewPersistent(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.StorePath, err)
	}
	return st, nil
}

func runCapture(ctx context.Context, opts cliOptions, url string) error {
	mode, err := parseMode(opts.mode)
	if err != nil {
		return err
	}
	if mode == store.ModeArea && !opts.headful {
		return errors.New("area mode needs a visible browser window; pass --headful")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := browser.StartSession(browser.SessionOptions{Headless: !opts.headful})
	if err != nil {
		return err
	}
	defer session.Close()

	log.Printf("cli: opening %s", url)
	page, err := session.OpenPage(url)
	if err != nil {
		return fmt.Errorf("failed to open page: %w", err)
	}

	rt := router.New()
	defer rt.Shutdown()
	settle := time.Duration(cfg.SettleDelayMs) * time.Millisecond
	orch := orchestrator.New(orchestrator.Options{
		Store:       st,
		Pages:       singlePageResolver{page: page},
		Router:      rt,
		Gateway:     gateway.New(cfg),
		Stitcher:    capture.New(settle),
		SettleDelay: settle,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := orch.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("cli: orchestrator stopped: %v", err)
		}
	}()

	if opts.verbose {
		progress := rt.Register("cli-progress", 64)
		go reportProgress(progress)
	}

	// Tell page contexts whether to show the floating control; the
	// orchestrator fans the toggle out to every registered context.
	if rt.Ping(runCtx, messages.ContextCLI, messages.ContextOrchestrator, 2*time.Second) {
		rt.Send(messages.Envelope{
			From:    messages.ContextCLI,
			To:      messages.ContextOrchestrator,
			Message: messages.ToggleFloatingControl{Enabled: cfg.FloatingControl},
		})
	}

	st.Enqueue(store.CaptureRequest{
		Mode:            mode,
		TargetURL:       url,
		TargetContextID: page.ContextID(),
	})

	pollTimeout := time.Duration(cfg.PollTimeoutSec) * time.Second
	state, err := orchestrator.WaitTerminal(ctx, st, pollTimeout)
	if err != nil {
		return err
	}

	switch state.Status {
	case store.StatusComplete:
		return writeResult(opts, state.Result)
	case store.StatusCancelled:
		fmt.Fprintln(os.Stderr, "Capture cancelled.")
		return nil
	default:
		return errors.New(state.Error)
	}
}

func writeResult(opts cliOptions, markdown string) error {
	out := markdown
	if opts.htmlOutput {
		html, err := render.HTML(markdown)
		if err != nil {
			return fmt.Errorf("failed to render result: %w", err)
		}
		out = html
	}
	if opts.outPath != "" {
		return os.WriteFile(opts.outPath, []byte(out), 0o644)
	}
	fmt.Println(out)
	return nil
}

func reportProgress(inbox <-chan messages.Envelope) {
	for env := range inbox {
		if up, ok := env.Message.(messages.UpdateProgress); ok {
			fmt.Fprintf(os.Stderr, "[progress] %s %d%% %s\n", up.Step, up.Percent, up.Stats)
		}
	}
}

func newModelsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List models available from a configured provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return err
			}
			gw := gateway.New(cfg)
			providerID := gw.TextProviderID()
			if len(args) == 1 {
				providerID = args[0]
			}
			models, err := gw.ListModels(cmd.Context(), providerID)
			if err != nil {
				return err
			}
			for _, m := range models {
				if m.Name != "" && m.Name != m.ID {
					fmt.Printf("%s\t%s\n", m.ID, m.Name)
					continue
				}
				fmt.Println(m.ID)
			}
			return nil
		},
	}
}

func newAskCmd(opts *cliOptions) *cobra.Command {
	var resultPath string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a follow-up question about a previous analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*opts)
			if err != nil {
				return err
			}
			var history []messages.Turn
			if resultPath != "" {
				prior, err := os.ReadFile(resultPath)
				if err != nil {
					return fmt.Errorf("failed to read prior result: %w", err)
				}
				history = append(history, messages.Turn{Role: "assistant", Content: string(prior)})
			}
			gw := gateway.New(cfg)
			answer, err := gw.AskFollowUp(cmd.Context(), args[0], history, nil)
			if err != nil {
				return err
			}
			return writeResult(*opts, answer)
		},
	}
	cmd.Flags().StringVar(&resultPath, "result", "", "Path to a previous result to use as conversation context")
	return cmd
}

// singlePageResolver serves the one page the CLI opened. The context id is
// checked so a stale request persisted by an earlier run cannot grab the
// wrong page.
type singlePageResolver struct {
	page browser.Page
}

func (r singlePageResolver) Resolve(_ context.Context, contextID string) (browser.Page, error) {
	if contextID != "" && contextID != r.page.ContextID() {
		return nil, browser.ErrTargetUnavailable
	}
	return r.page, nil
}
