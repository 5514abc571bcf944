package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local database and identity and publish the public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, key, err := newClient()
			if err != nil {
				return err
			}
			if !cl.New() {
				return fmt.Errorf("already initialized in %s", cfg.RootDir)
			}
			if err := cl.Initialize(key); err != nil {
				return err
			}
			pub, err := cl.PublicKey()
			if err != nil {
				_ = cl.Shutdown()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created for %s.\nPublic key: %s\n", userID, base64.StdEncoding.EncodeToString(pub[:]))
			return cl.Shutdown()
		},
	}
}
