package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meow-io/go-senderkeys/clock"
	"github.com/meow-io/go-senderkeys/relay"
	"github.com/meow-io/go-senderkeys/remote/sqlstore"
)

func serveCmd() *cobra.Command {
	var listen, driver, dsn string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay backed by PostgreSQL or SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("dsn required (--dsn)")
			}
			store, err := sqlstore.Open(cfg, clock.NewSystemClock(), driver, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return relay.NewServer(cfg, store).Serve(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to listen on")
	cmd.Flags().StringVar(&driver, "driver", sqlstore.DriverSQLite, "database driver (postgres|sqlite)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database connection string or SQLite path")
	return cmd
}
