package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coopco/supportbot/internal/agent"
	"github.com/coopco/supportbot/internal/config"
	"github.com/coopco/supportbot/internal/events"
	"github.com/coopco/supportbot/internal/execlog"
	"github.com/coopco/supportbot/internal/providers"
	"github.com/coopco/supportbot/internal/runner"
	"github.com/coopco/supportbot/internal/scheduler"
	"github.com/coopco/supportbot/internal/session"
	"github.com/coopco/supportbot/internal/tools"
)

var (
	eventsDir      string
	eventsSession  string
	runNoEcho      bool
	runShowUsage   bool
	runStatusEvery time.Duration
	addAt          string
	addIn          time.Duration
	addSchedule    string
	addTimezone    string
	logFile        string
	stopTimeout    = 30 * time.Second
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Run and manage scheduled agent events",
	Long: `Event files are JSON documents in the events directory. Each one
triggers an agent run immediately, once at a given time (one-shot), or on a
cron schedule (periodic), against a long-lived session.`,
}

var eventsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the events directory and execute events until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyEventFlags(cfg)
		if cmd.Flags().Changed("no-echo") {
			cfg.Events.Echo = !runNoEcho
		}
		if cmd.Flags().Changed("show-usage") {
			cfg.Events.ShowUsage = runShowUsage
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runEvents(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func runEvents(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	defaults := cfg.Agents.Defaults
	provider, err := providers.New(defaults.Provider, defaults.Model, cfg.Credentials)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	started := time.Now()
	logWriter, err := execlog.Open(cfg.Events.LogDir, started)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	sessions := session.NewManager(defaults.SessionsDir)
	prompts := agent.NewContextBuilder(defaults.Workspace, newToolRegistry(cfg, cfg.Events.DefaultSession))

	var echo io.Writer
	if cfg.Events.Echo {
		echo = stdout
	}
	pool := runner.NewPool(runner.PoolConfig{
		MaxRunners: cfg.Events.MaxRunners,
		IdleTTL:    time.Duration(cfg.Events.IdleTTLMinutes) * time.Minute,
		Factory: func(sessionID string) (agent.Agent, error) {
			return agent.NewSessionAgent(agent.SessionAgentConfig{
				SessionID:     sessionID,
				Provider:      provider,
				Sessions:      sessions,
				Tools:         newToolRegistry(cfg, sessionID),
				Model:         defaults.Model,
				MaxTokens:     defaults.MaxTokens,
				Temperature:   defaults.Temperature,
				MaxIterations: defaults.MaxToolIterations,
			}), nil
		},
		Runner: runner.Options{
			MaxPending: cfg.Events.MaxPending,
			Prompts:    prompts,
			Log:        logWriter,
			Echo:       echo,
			ShowUsage:  cfg.Events.ShowUsage,
		},
	})

	sched := scheduler.New(scheduler.Config{
		EventsDir:      cfg.Events.Dir,
		DefaultSession: cfg.Events.DefaultSession,
		Pool:           pool,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	slog.Info("events: running", "dir", cfg.Events.Dir, "log", logWriter.Path(), "model", defaults.Model)
	printStatus(stderr, sched.Status())

	var statusTick <-chan time.Time
	if runStatusEvery > 0 {
		ticker := time.NewTicker(runStatusEvery)
		defer ticker.Stop()
		statusTick = ticker.C
	}
	for done := false; !done; {
		select {
		case <-statusTick:
			printStatus(stderr, sched.Status())
		case <-ctx.Done():
			done = true
		}
	}
	slog.Info("events: shutting down")
	printStatus(stderr, sched.Status())

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return sched.Stop(stopCtx)
}

// newToolRegistry returns the tools offered to an agent serving sessionID.
func newToolRegistry(cfg *config.Config, sessionID string) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewScheduleEventTool(cfg.Events.Dir, sessionID))
	return reg
}

func applyEventFlags(cfg *config.Config) {
	if eventsDir != "" {
		cfg.Events.Dir = config.ExpandHome(eventsDir)
	}
	if eventsSession != "" {
		cfg.Events.DefaultSession = eventsSession
	}
}

var eventsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Write a new event file",
}

func newAddCmd(typ events.Type, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(typ) + " <text>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyEventFlags(cfg)

			ev, err := buildEvent(typ, strings.Join(args, " "), time.Now())
			if err != nil {
				return err
			}
			name, err := events.WriteFile(cfg.Events.Dir, ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s %s)\n", name, ev.Type, ev.Trigger())
			return nil
		},
	}
}

// buildEvent assembles an event of typ from the add flags.
func buildEvent(typ events.Type, text string, now time.Time) (events.Event, error) {
	ev := events.Event{Type: typ, Text: text, Session: eventsSession}
	switch typ {
	case events.TypeOneShot:
		switch {
		case addAt != "" && addIn != 0:
			return events.Event{}, fmt.Errorf("--at and --in are mutually exclusive")
		case addIn > 0:
			ev.At = now.Add(addIn).Format(time.RFC3339)
		case addAt != "":
			ev.At = addAt
		default:
			return events.Event{}, fmt.Errorf("one-shot events need --at or --in")
		}
		if _, err := ev.FireTime(); err != nil {
			return events.Event{}, err
		}
	case events.TypePeriodic:
		if addSchedule == "" {
			return events.Event{}, fmt.Errorf("periodic events need --schedule")
		}
		ev.Schedule = addSchedule
		ev.Timezone = addTimezone
	}
	return ev, nil
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List event files in the events directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyEventFlags(cfg)

		listed, err := events.List(cfg.Events.Dir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(listed) == 0 {
			fmt.Fprintf(out, "No events in %s\n", cfg.Events.Dir)
			return nil
		}
		for _, l := range listed {
			if l.Err != nil {
				fmt.Fprintf(out, "%s\tinvalid: %v\n", l.Name, l.Err)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", l.Name, l.Event.Type, l.Event.Trigger(), l.Event.Session)
		}
		return nil
	},
}

var eventsLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the newest execution log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := logFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if path, err = execlog.Latest(cfg.Events.LogDir); err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "No execution logs in %s\n", cfg.Events.LogDir)
				return nil
			}
		}
		entries, err := execlog.ReadAll(path)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

// printStatus writes a summary of what the scheduler is tracking.
func printStatus(w io.Writer, st scheduler.Status) {
	fmt.Fprintf(w, "events: %d files, %d one-shot, %d periodic, %d deferred, %d runners\n",
		len(st.Known), len(st.OneShots), len(st.Periodic), len(st.Deferred), st.Runners)
	for _, o := range st.OneShots {
		fmt.Fprintf(w, "  one-shot  %s\tat %s\n", o.File, o.FireAt.Format(time.RFC3339))
	}
	for _, p := range st.Periodic {
		fmt.Fprintf(w, "  periodic  %s\t%s (%s), next %s\n", p.File, p.Schedule, p.Timezone, p.Next.Format(time.RFC3339))
	}
	for _, d := range st.Deferred {
		fmt.Fprintf(w, "  deferred  %s\n", d)
	}
}

func printEntries(w io.Writer, entries []execlog.Entry) {
	for _, e := range entries {
		result := e.Response
		switch {
		case e.Error != "":
			result = "error: " + e.Error
		case e.Silent:
			result = "(silent)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n", e.Timestamp, e.Session, e.Filename, e.DurationMs, result)
		if e.Usage != "" {
			fmt.Fprintf(w, "\t%s\n", e.Usage)
		}
	}
}

func init() {
	eventsCmd.PersistentFlags().StringVar(&eventsDir, "dir", "", "Events directory (default from config)")
	eventsCmd.PersistentFlags().StringVar(&eventsSession, "session", "", "Session for new events, or default session when running")

	eventsRunCmd.Flags().BoolVar(&runNoEcho, "no-echo", false, "Do not print agent responses to stdout")
	eventsRunCmd.Flags().BoolVar(&runShowUsage, "show-usage", false, "Report token usage for each event")
	eventsRunCmd.Flags().DurationVar(&runStatusEvery, "status-every", 0, "Print scheduler status at this interval (0 = only at start and stop)")

	oneShot := newAddCmd(events.TypeOneShot, "Run once at a given time")
	oneShot.Flags().StringVar(&addAt, "at", "", "RFC 3339 time to fire at")
	oneShot.Flags().DurationVar(&addIn, "in", 0, "Fire after this delay (e.g. 30m)")

	periodic := newAddCmd(events.TypePeriodic, "Run on a cron schedule")
	periodic.Flags().StringVar(&addSchedule, "schedule", "", "5-field cron expression")
	periodic.Flags().StringVar(&addTimezone, "timezone", "UTC", "IANA timezone for the schedule")

	eventsAddCmd.AddCommand(newAddCmd(events.TypeImmediate, "Run as soon as the runner sees it"), oneShot, periodic)

	eventsLogCmd.Flags().StringVar(&logFile, "file", "", "Log file to print (default: newest in the log directory)")

	eventsCmd.AddCommand(eventsRunCmd, eventsAddCmd, eventsListCmd, eventsLogCmd)
}
