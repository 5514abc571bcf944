package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	senderkeys "github.com/meow-io/go-senderkeys"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/relay"
)

var (
	configPath string
	home       string
	passphrase string
	relayURL   string
	userID     string

	cfg *config.Config
)

func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree. Flags are bound to package state, so only one tree should run at a time.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "senderkeys",
		Short:        "Community sender key distribution and rotation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts := []config.Option{}
			rootDir := home
			if configPath != "" {
				f, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				opts = append(opts, f.Options()...)
				if rootDir == "" {
					rootDir = f.RootDir
				}
				if relayURL == "" {
					relayURL = f.RelayURL
				}
				if userID == "" {
					userID = f.UserID
				}
			}
			if rootDir == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				rootDir = filepath.Join(dir, ".senderkeys")
			}
			cfg = config.NewConfig(append(opts, config.WithRootDir(rootDir))...)
			return os.MkdirAll(cfg.RootDir, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.senderkeys)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local database")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "your user id")

	root.AddCommand(
		serveCmd(),
		initCmd(),
		currentCmd(),
		establishCmd(),
		rotateCmd(),
		resolveCmd(),
		reshareCmd(),
		keysCmd(),
		encryptCmd(),
		decryptCmd(),
	)
	return root
}

func newClient() (*senderkeys.Client, []byte, error) {
	if passphrase == "" {
		return nil, nil, fmt.Errorf("passphrase required (-p)")
	}
	if relayURL == "" {
		return nil, nil, fmt.Errorf("no relay configured. use --relay")
	}
	if userID == "" {
		return nil, nil, fmt.Errorf("user id required (-u)")
	}
	cl, err := senderkeys.NewClient(cfg, userID, relay.NewClient(cfg, relayURL, nil), nil)
	if err != nil {
		return nil, nil, err
	}
	key, err := cl.NewKey(passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cl, key, nil
}

// openClient opens an initialized client. Callers must Shutdown it.
func openClient() (*senderkeys.Client, error) {
	cl, key, err := newClient()
	if err != nil {
		return nil, err
	}
	if cl.New() {
		return nil, fmt.Errorf("no local database in %s, run init first", cfg.RootDir)
	}
	if err := cl.Open(key); err != nil {
		return nil, err
	}
	return cl, nil
}

func withClient(f func(cl *senderkeys.Client) error) error {
	cl, err := openClient()
	if err != nil {
		return err
	}
	if err := f(cl); err != nil {
		_ = cl.Shutdown()
		return err
	}
	return cl.Shutdown()
}
