package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead letter queue",
	}
	cmd.AddCommand(newDLQListCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validate(cfg); err != nil {
				return err
			}
			if cfg.Queue.DeadLetter == "broker" && cfg.Store.Backend == "memory" {
				return fmt.Errorf("dead letters of the in-memory broker live only inside the serving process")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			svc, err := openServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			letters, err := svc.dlq.ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FAILED AT\tMESSAGE\tSESSION\tUSER\tRETRIES\tREASON")
			for _, dl := range letters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					dl.FailedAt.Format(time.RFC3339),
					dl.Message.MessageID,
					dl.Message.SessionID,
					dl.Message.UserID,
					dl.FinalRetryCount,
					dl.FailureReason,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries (0 for all)")
	return cmd
}
