package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	senderkeys "github.com/meow-io/go-senderkeys"
	"github.com/meow-io/go-senderkeys/vault"
)

func printKey(w io.Writer, key *vault.SenderKey) {
	fmt.Fprintf(w, "%s %s\n", key.CommunityID, key.KeyID)
}

func currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current <community>",
		Short: "Print the key new messages are encrypted with, establishing one if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				key, err := cl.CurrentKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), key)
				state, err := cl.KeyState(cmd.Context(), args[0])
				if err != nil {
					// offline, the local key is all there is
					return nil
				}
				if state.InGrace(time.Now()) {
					fmt.Fprintf(cmd.OutOrStdout(), "previous key %s in grace until %s\n", state.PreviousKeyID, state.GraceExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func establishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "establish <community> [member...]",
		Short: "Establish the first key for a community and share it with members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				key, err := cl.Establish(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

func rotateCmd() *cobra.Command {
	var grace time.Duration
	var hard bool
	cmd := &cobra.Command{
		Use:   "rotate <community> [member...]",
		Short: "Replace the community key and share the new one with members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				if !cmd.Flags().Changed("grace") {
					grace = cl.DefaultGrace()
				}
				key, err := cl.Rotate(cmd.Context(), args[0], args[1:], grace, hard)
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "how long the previous key stays in grace (default from config)")
	cmd.Flags().BoolVar(&hard, "hard", false, "rotate without a grace period")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <community> <key-id>",
		Short: "Fetch a specific key into the local vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				key, err := cl.KeyForMessage(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

func reshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reshare <community> <member...>",
		Short: "Share the current key with members again",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				key, err := cl.Reshare(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				printKey(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <community>",
		Short: "List keys cached locally for a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				entry, err := cl.LocalKeys(args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if entry == nil {
					fmt.Fprintln(w, "no keys")
					return nil
				}
				for _, key := range entry.Keys {
					marker := " "
					if key.KeyID == entry.ActiveKeyID {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s\n", marker, key.KeyID)
				}
				fmt.Fprintf(w, "updated %s\n", entry.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}
