package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/photarc/photarc/internal/protocol"
)

func newAuthCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "auth <name>",
		Short: "Authenticate a policy's account",
		Long: `Submit the account password for a policy. When the account has
two-factor authentication enabled the server will ask for a code;
run "photarc mfa" to provide it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if password == "" {
				var err error
				password, err = promptSecret(fmt.Sprintf("Password for policy %q: ", name))
				if err != nil {
					return err
				}
			}

			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.Authenticate(name, password, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			if out.Event == protocol.EvtMFARequired {
				code, err := promptSecret("Two-factor code: ")
				if err != nil {
					return err
				}
				outcomes, done := outcomeChan()
				if err := s.ctrl.ProvideMFA(name, code, done); err != nil {
					return err
				}
				out, err = await(rootContext, outcomes, sessionTimeout)
				if err != nil {
					return err
				}
				if out.Err != nil {
					return out.Err
				}
			}
			fmt.Printf("Policy %q authenticated\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (prompted when omitted)")
	return cmd
}

func newMFACmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "mfa <name>",
		Short: "Provide a two-factor code for a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if code == "" {
				var err error
				code, err = promptSecret("Two-factor code: ")
				if err != nil {
					return err
				}
			}

			s, err := openSession(rootContext)
			if err != nil {
				return err
			}
			defer s.close()

			outcomes, done := outcomeChan()
			if err := s.ctrl.ProvideMFA(name, code, done); err != nil {
				return err
			}
			out, err := await(rootContext, outcomes, sessionTimeout)
			if err != nil {
				return err
			}
			if out.Err != nil {
				return out.Err
			}
			fmt.Printf("Policy %q authenticated\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Two-factor code (prompted when omitted)")
	return cmd
}
