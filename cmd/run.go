package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/hearth/internal/bridge"
	"github.com/zjrosen/hearth/internal/dispatch"
	"github.com/zjrosen/hearth/internal/fault"
	"github.com/zjrosen/hearth/internal/manager"
)

var (
	runMode    string
	runSession string
	runFiles   []string
	runStream  bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Send one request to a warm worker and print the result",
	Long: `Run spawns (or reuses) the worker for a session key, sends the prompt
in the chosen mode, and prints the outcome.

Modes:
  classify  decide whether the prompt is chat or a task
  plan      break the prompt into steps
  execute   run the prompt to completion, optionally streaming progress`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "classify",
		"request mode: classify, plan, or execute")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "default",
		"session key the request is routed to")
	runCmd.Flags().StringSliceVarP(&runFiles, "file", "f", nil,
		"file available to the worker (repeatable, execute only)")
	runCmd.Flags().BoolVar(&runStream, "stream", false,
		"print progress lines as they arrive (execute only)")

	rootCmd.AddCommand(runCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	m, err := manager.New(cfg)
	if err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := args[0]

	switch strings.ToLower(runMode) {
	case "classify":
		r, err := m.Classify(ctx, runSession, prompt)
		if err != nil {
			return requestError(err)
		}
		if r.IsTask() {
			fmt.Printf("TASK: %s\n", r.Description)
		} else {
			fmt.Printf("CHAT: %s\n", r.Response)
		}

	case "plan":
		p, err := m.Plan(ctx, runSession, prompt)
		if err != nil {
			return requestError(err)
		}
		for i, step := range p.Steps {
			fmt.Printf("%d. %s\n", i+1, step)
		}
		if p.EstimatedTime != "" {
			fmt.Printf("estimated time: %s\n", p.EstimatedTime)
		}

	case "execute":
		var sink bridge.Sink
		if runStream {
			sink = bridge.SinkFunc(func(ev bridge.ProgressEvent) {
				fmt.Fprintf(os.Stderr, "… %s\n", ev.Message)
			})
		}
		res, err := m.Execute(ctx, runSession, dispatch.ExecuteRequest{
			Prompt: prompt,
			Files:  runFiles,
			Sink:   sink,
		})
		if err != nil {
			return requestError(err)
		}
		fmt.Println(res.Result)
		if len(res.OutputFiles) > 0 {
			fmt.Printf("output files: %s\n", strings.Join(res.OutputFiles, ", "))
		}

	default:
		return fmt.Errorf("unknown mode %q (want classify, plan, or execute)", runMode)
	}

	return nil
}

// requestError maps internal faults to the short user-facing message,
// keeping raw worker output out of the terminal.
func requestError(err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return fmt.Errorf("%s", fault.UserMessage(err))
	}
	return err
}
