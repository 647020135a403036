// Command sceneloop runs interactive scene-generation sessions from
// the terminal: a text prompt starts a session, completed sessions can
// be listed and resumed with a follow-up instruction.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/sceneloop/config"
	"github.com/martinemde/sceneloop/scriptagents"
	"github.com/martinemde/sceneloop/sessionloop"
	"github.com/martinemde/sceneloop/sessionstore"
)

var (
	textPrompt   string
	imagePath    string
	listSessions bool
	sessionID    string
	instruction  string
	identity     string
	version      = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "sceneloop",
	Short: "LLM-driven 3D scene generation sessions",
	Long: `Sceneloop drives an LLM through building a 3D scene in a live
Blender process: it plans a modeling script from your prompt, executes
it, corrects failures from the exact error output, refines the result
against renders, and then takes your follow-up instructions until you
type TERMINATE or walk away.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&textPrompt, "text", "", "Text prompt describing the scene to create")
	rootCmd.Flags().StringVar(&imagePath, "image", "", "Path to a reference image to recreate as a scene")
	rootCmd.Flags().BoolVar(&listSessions, "list-sessions", false, "List resumable (completed) session ids")
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "Completed session to resume")
	rootCmd.Flags().StringVar(&instruction, "prompt", "", "Instruction applied to the resumed session")
	rootCmd.Flags().StringVar(&identity, "user", defaultIdentity(), "Identity charged against the daily quota")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	cfg, err := config.Read(dir)
	if err != nil {
		return err
	}

	store, err := sessionstore.NewStore(cfg.DBPath, cfg.Limits.DailyRequests)
	if err != nil {
		return err
	}
	defer store.Close()

	if listSessions {
		ids, err := store.List(identity)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no resumable sessions")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	agent, err := scriptagents.New(cfg.Agent.Provider, cfg.Agent.APIKey,
		scriptagents.WithModel(cfg.Agent.Model),
	)
	if err != nil {
		return err
	}

	loopCfg := sessionloop.DefaultConfig()
	loopCfg.RenderConfig.NumImages = cfg.Render.NumImages
	loopCfg.RenderConfig.ResolutionScale = cfg.Render.ResolutionScale
	loopCfg.RenderConfig.GPURendering = cfg.Blender.GPURendering
	loopCfg.RenderConfig.HeadlessRendering = cfg.Blender.HeadlessRendering
	loopCfg.TransportTimeout = time.Duration(cfg.Blender.HeadlessTimeout) * time.Second
	loopCfg.InactivityTimeout = time.Duration(cfg.Limits.InactivityTimeout) * time.Second

	dial := func(id string) (sessionloop.ExecutionChannel, error) {
		return sessionloop.NewLocalChannel(16), nil
	}
	orch := sessionloop.NewOrchestrator(store, agent, dial, &loopCfg, cfg.LogDir)

	var session *sessionloop.Session
	var prompt string
	switch {
	case sessionID != "":
		if instruction == "" {
			return fmt.Errorf("--session-id requires --prompt")
		}
		session, err = orch.Resume(identity, sessionID, instruction)
	case textPrompt != "":
		prompt = textPrompt
		session, err = orch.Create(identity)
	case imagePath != "":
		prompt = "Recreate the scene shown in the reference image at " + imagePath
		session, err = orch.Create(identity)
	default:
		return cmd.Help()
	}
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(session.Events())

	fmt.Printf("session %s started (type %s to finish)\n", session.ID(), sessionloop.TerminateSentinel)
	if err := session.Run(ctx, prompt, newStdinSource()); err != nil {
		return err
	}

	fmt.Printf("session %s finished: %s\n", session.ID(), session.Status())
	return nil
}

func printEvents(events <-chan sessionloop.SessionEvent) {
	for ev := range events {
		switch ev.Kind {
		case sessionloop.EventPhaseStarted:
			fmt.Printf("== %v\n", ev.Data["phase"])
		case sessionloop.EventAttemptFailed:
			fmt.Printf("attempt %v failed: %v\n", ev.Data["seq"], ev.Data["error"])
		case sessionloop.EventAttemptSucceeded:
			fmt.Printf("attempt %v succeeded\n", ev.Data["seq"])
		case sessionloop.EventUserInputRequested:
			fmt.Print("> ")
		case sessionloop.EventWarning:
			fmt.Printf("warning: %v\n", ev.Data["message"])
		}
	}
}

func defaultIdentity() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// stdinSource feeds lines typed on stdin to the session loop. Reads
// happen on a dedicated goroutine so Next can honor its deadline even
// while the terminal read blocks.
type stdinSource struct {
	lines chan string
}

func newStdinSource() *stdinSource {
	s := &stdinSource{lines: make(chan string)}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		close(s.lines)
	}()
	return s
}

func (s *stdinSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", context.Canceled
		}
		return line, nil
	}
}
