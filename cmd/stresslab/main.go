package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/stresslab/internal/adaptive"
	"github.com/antoniostano/stresslab/internal/app"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/engine"
	"github.com/antoniostano/stresslab/internal/logging"
	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/pushconn"
	"github.com/antoniostano/stresslab/internal/sink"
)

var (
	sinkURL       string
	participantID string
	token         string
	planPath      string
)

func main() {
	root := &cobra.Command{
		Use:           "stresslab",
		Short:         "Participant client for stresslab cognitive task sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sinkURL, "sink", "", "sink base URL (overrides SINK_BASE_URL)")

	register := &cobra.Command{
		Use:   "register",
		Short: "Register a participant and print a session token",
		RunE:  runRegister,
	}
	register.Flags().StringVar(&participantID, "participant", "", "participant id; empty lets the sink assign one")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a task plan in the terminal",
		RunE:  runPlan,
	}
	run.Flags().StringVar(&participantID, "participant", "", "participant id")
	run.Flags().StringVar(&token, "token", "", "participant token; empty registers first")
	run.Flags().StringVar(&planPath, "plan", "", "YAML plan file; empty runs the default plan")

	monitor := &cobra.Command{
		Use:   "monitor",
		Short: "Print task events and stress updates as they are published",
		RunE:  runMonitor,
	}

	root.AddCommand(register, run, monitor)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	if sinkURL != "" {
		cfg.SinkBaseURL = sinkURL
		cfg.PushURL = sinkURL
	}
	return cfg, logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true}), nil
}

func runRegister(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	client := sink.NewClient(cfg.SinkBaseURL, cfg.SinkTimeout, log)
	reg, err := client.Register(cmd.Context(), participantID)
	if err != nil {
		return err
	}
	sess, err := client.OpenSession(cmd.Context(), reg.ParticipantID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "participant: %s (group %s)\n", reg.ParticipantID, reg.Group)
	fmt.Fprintf(out, "token:       %s\n", sess.Data.Token)
	return nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := engine.LoadPlan(planPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := app.BuildParticipant(ctx, cfg, app.ParticipantOptions{ParticipantID: participantID, Token: token}, log)
	if err != nil {
		return err
	}
	defer p.Close()
	p.Dispatcher.OnChange = func(params adaptive.Params) {
		log.Info().Int("difficulty", params.DifficultyLevel).Float64("stress", params.StressEstimate).Msg("adaptive parameters changed")
	}

	console := newConsole(cmd.InOrStdin(), cmd.OutOrStdout())
	fmt.Fprintf(console.out, "participant %s: %d block(s) in plan %q\n", p.ID, len(plan.Steps), plan.Name)

	reports, err := app.NewRunner(p.Controller, console, log).Run(ctx, plan)
	for _, rep := range reports {
		fmt.Fprintf(console.out, "%-8s %d trials, %d correct, %d early, %d timeouts (session %s)\n",
			rep.Task, rep.Trials, rep.Correct, rep.Early, rep.Timeouts, rep.SessionID)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	push := pushconn.NewManager(pushconn.Config{
		Endpoint:   cfg.PushURL,
		Transports: cfg.PushTransports,
	}, log, pushconn.NewPollingTransport(cfg.PushPollWait))
	defer push.Close()

	listener := push.Acquire().Listener()
	defer listener.Close()

	out := cmd.OutOrStdout()
	listener.OnFrame(func(f protocol.Frame) {
		fmt.Fprintf(out, "%s %s\n", f.Event, string(f.Data))
	})
	join := func() {
		err := listener.Emit(ctx, protocol.EventJoinMonitor, struct{}{})
		if err != nil && !errors.Is(err, pushconn.ErrNotConnected) {
			log.Warn().Err(err).Msg("join monitor failed")
		}
	}
	listener.OnConnect(join)
	join()

	<-ctx.Done()
	return nil
}

// console is a terminal Responder. Input lines are read by one goroutine so
// an Answer that times out does not lose the next line.
type console struct {
	out   io.Writer
	lines chan string
	errc  chan error
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{out: out, lines: make(chan string, 64), errc: make(chan error, 1)}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		c.errc <- err
	}()
	return c
}

func (c *console) Show(text string) {
	fmt.Fprintln(c.out, text)
}

// Answer returns the first line typed after the call. Lines entered while no
// answer was expected are discarded.
func (c *console) Answer(ctx context.Context) (string, error) {
	c.drain()
	select {
	case line := <-c.lines:
		return strings.TrimSpace(line), nil
	case err := <-c.errc:
		c.errc <- err
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *console) drain() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}
