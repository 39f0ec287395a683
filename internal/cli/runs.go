package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/photarc/photarc/internal/events"
	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/progress"
)

func newRunCmd() *cobra.Command {
	var detach, quiet bool
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Start a policy's download",
		Long: `Start a download for a policy. By default the command stays attached,
rendering progress until the run finishes. With --detach it returns as
soon as the server accepts the start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			progressCh := s.bus.Subscribe(events.EventProgress)
			stateCh := s.bus.Subscribe(events.EventStateChange)

			outcomes, done := outcomeChan()
			if err := s.ctrl.Run(name, done); err != nil {
				return err
			}

			if detach {
				fmt.Printf("Started policy %q\n", name)
				return nil
			}

			var bar progress.Reporter = progress.NewCLIProgress()
			if quiet {
				bar = progress.NewNoOpProgress()
			}
			bar.Start(name)
			defer bar.Finish()

			// A run can outlive any fixed timeout; only the user or the
			// server ends the wait. The start correlation resolves on the
			// first lifecycle event; terminal detection after that comes
			// from state changes.
			for {
				select {
				case ev := <-progressCh:
					if pe, ok := ev.(*events.ProgressEvent); ok && pe.PolicyName == name {
						bar.Update(pe.Progress)
					}
				case ev := <-stateCh:
					se, ok := ev.(*events.StateChangeEvent)
					if !ok || se.PolicyName != name {
						continue
					}
					switch policy.RunState(se.NewState) {
					case policy.StateDone, policy.StateScheduled:
						bar.Update(100)
						bar.Finish()
						fmt.Printf("Policy %q finished\n", name)
						return nil
					case policy.StateReady:
						bar.Finish()
						fmt.Printf("Policy %q stopped\n", name)
						return nil
					case policy.StateErrored:
						bar.Finish()
						return fmt.Errorf("policy %q failed; see photarc logs %s", name, name)
					}
				case out := <-outcomes:
					// Only failures before the run gets going arrive here.
					if out.Err != nil {
						bar.Error(out.Err)
						return out.Err
					}
				case <-rootContext.Done():
					fmt.Fprintln(os.Stderr, "\nDetaching; the run continues on the server.")
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Return without waiting for the run to finish")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No progress bar")
	return cmd
}

func newInterruptCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "interrupt <name>",
		Short: "Stop a running download",
		Long:  `Stop a running download. Files already downloaded are kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !force && !confirm(fmt.Sprintf("Interrupt the run of %q?", name)) {
				fmt.Println("Aborted.")
				return nil
			}
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Interrupt(name, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Interrupted policy %q\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func newCancelScheduleCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel-schedule <name>",
		Short: "Disarm a policy's recurring run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !force && !confirm(fmt.Sprintf("Cancel the schedule of %q?", name)) {
				fmt.Println("Aborted.")
				return nil
			}
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.CancelSchedule(name, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Cancelled schedule of policy %q\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream notices, progress and state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			all := s.bus.SubscribeAll()
			fmt.Println("Watching; Ctrl-C to stop.")
			for {
				select {
				case ev, ok := <-all:
					if !ok {
						return nil
					}
					printEvent(ev)
				case <-rootContext.Done():
					return nil
				}
			}
		},
	}
}

func printEvent(ev events.Event) {
	ts := ev.Timestamp().Format(time.TimeOnly)
	switch e := ev.(type) {
	case *events.NoticeEvent:
		prefix := e.Level.String()
		if e.PolicyName != "" {
			fmt.Printf("%s [%s] %s: %s %s\n", ts, prefix, e.PolicyName, e.Title, e.Message)
		} else {
			fmt.Printf("%s [%s] %s %s\n", ts, prefix, e.Title, e.Message)
		}
	case *events.ProgressEvent:
		fmt.Printf("%s [progress] %s: %d%%\n", ts, e.PolicyName, e.Progress)
	case *events.StateChangeEvent:
		fmt.Printf("%s [state] %s: %s\n", ts, e.PolicyName, e.NewState)
	case *events.PoliciesReplacedEvent:
		fmt.Printf("%s [policies] list updated (%d)\n", ts, e.Count)
	}
}

func newLogsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print a policy's accumulated run logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			p, ok := s.ctrl.Policy(name)
			if !ok {
				return fmt.Errorf("no policy named %q", name)
			}
			if p.Logs == "" {
				return errors.New("no logs; the policy has not run this session")
			}
			if output != "" {
				if err := os.WriteFile(output, []byte(p.Logs), 0600); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Printf("Wrote %s\n", output)
				return nil
			}
			fmt.Print(p.Logs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write logs to a file instead of stdout")
	return cmd
}
