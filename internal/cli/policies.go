package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/protocol"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies and their run states",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			policies := s.ctrl.Policies()
			if len(policies) == 0 {
				fmt.Println("No policies.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tACCOUNT\tALBUM\tPROGRESS")
			for _, p := range policies {
				st, _ := s.ctrl.RunState(p.Name)
				album := p.Album
				if album == "" {
					album = "All"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\n", p.Name, st, p.Username, album, p.Progress)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and version",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()
			fmt.Printf("Connected to %s (%d policies)\n", s.cfg.ServerURL, len(s.ctrl.Policies()))
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var spec policy.Policy
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Create(spec, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Created policy %q\n", spec.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&spec.Username, "username", "u", "", "Account username (required)")
	cmd.Flags().StringVarP(&spec.Directory, "directory", "d", "", "Server-side download directory (required unless --deliver)")
	cmd.Flags().StringVarP(&spec.Album, "album", "a", "", "Album to download (empty means the whole library)")
	cmd.Flags().StringVarP(&spec.Interval, "interval", "i", "", "Recurring run schedule as a cron expression (empty disables)")
	cmd.Flags().BoolVar(&spec.DryRun, "dry-run", false, "Log what would download without downloading")
	cmd.Flags().BoolVar(&spec.DownloadViaBrowser, "deliver", false, "Stream the archive to this client")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newSaveCmd() *cobra.Command {
	var spec policy.Policy
	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Update a policy's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			current, ok := s.ctrl.Policy(name)
			if !ok {
				return fmt.Errorf("no policy named %q", name)
			}
			// Unset flags keep their current values.
			merged := current
			merged.Name = name
			if cmd.Flags().Changed("username") {
				merged.Username = spec.Username
			}
			if cmd.Flags().Changed("directory") {
				merged.Directory = spec.Directory
			}
			if cmd.Flags().Changed("album") {
				merged.Album = spec.Album
			}
			if cmd.Flags().Changed("interval") {
				merged.Interval = spec.Interval
			}
			if cmd.Flags().Changed("dry-run") {
				merged.DryRun = spec.DryRun
			}
			if cmd.Flags().Changed("deliver") {
				merged.DownloadViaBrowser = spec.DownloadViaBrowser
			}

			outcomes, done := outcomeChan()
			if err := s.ctrl.Save(name, merged, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Saved policy %q\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&spec.Username, "username", "u", "", "Account username")
	cmd.Flags().StringVarP(&spec.Directory, "directory", "d", "", "Server-side download directory")
	cmd.Flags().StringVarP(&spec.Album, "album", "a", "", "Album to download")
	cmd.Flags().StringVarP(&spec.Interval, "interval", "i", "", "Recurring run schedule as a cron expression")
	cmd.Flags().BoolVar(&spec.DryRun, "dry-run", false, "Log what would download without downloading")
	cmd.Flags().BoolVar(&spec.DownloadViaBrowser, "deliver", false, "Stream the archive to this client")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !force && !confirm(fmt.Sprintf("Delete policy %q?", name)) {
				fmt.Println("Aborted.")
				return nil
			}
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Delete(name, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Deleted policy %q\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

func newDuplicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicate <name>",
		Short: "Copy a policy with authentication reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Duplicate(name, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Created policy %q\n", name+" COPY")
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.toml>",
		Short: "Replace the server's policies from a TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Import(string(data), done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Imported %d policies\n", len(s.ctrl.Policies()))
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the server's policies as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Export(done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			payload, ok := out.Payload.(*protocol.DownloadedPoliciesPayload)
			if !ok {
				return fmt.Errorf("unexpected export payload %T", out.Payload)
			}
			// Round-trip through the local codec so a malformed server
			// document fails here, not on a later import.
			parsed, err := policy.ImportTOML(payload.TOML)
			if err != nil {
				return fmt.Errorf("server export: %w", err)
			}
			doc, err := policy.ExportTOML(parsed)
			if err != nil {
				return err
			}
			if !strings.HasSuffix(doc, "\n") {
				doc += "\n"
			}
			if output == "" || output == "-" {
				fmt.Print(doc)
				return nil
			}
			if err := os.WriteFile(output, []byte(doc), 0600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Printf("Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default stdout)")
	return cmd
}
