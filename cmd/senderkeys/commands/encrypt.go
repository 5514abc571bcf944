package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	senderkeys "github.com/meow-io/go-senderkeys"
)

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <community> <message>",
		Short: "Encrypt a message under the community's current key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(cl *senderkeys.Client) error {
				sealed, err := cl.Encrypt(cmd.Context(), args[0], []byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sealed))
				return nil
			})
		},
	}
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <community> <base64-message>",
		Short: "Decrypt a community message, fetching its key if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("message is not base64: %w", err)
			}
			return withClient(func(cl *senderkeys.Client) error {
				plain, err := cl.Decrypt(cmd.Context(), args[0], sealed)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(plain))
				return nil
			})
		},
	}
}
