package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/sequence"
)

func seqCmd() *cobra.Command {
	var setValue string

	cmd := &cobra.Command{
		Use:   "seq DATABASE",
		Short: "Inspect or overwrite a database's persisted feed position",
		Long: `Print the persisted feed position for a database, or overwrite it.

Examples:
  # show where the next follow run will resume from
  couchtail seq orders

  # rewind the orders feed to the beginning
  couchtail seq orders --set 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database := args[0]
			store := sequence.ForDatabase(cfg.Sequence.Dir, database)

			if cmd.Flags().Changed("set") {
				if err := store.Write(setValue); err != nil {
					return fmt.Errorf("writing position: %w", err)
				}
				logger.Info("position overwritten",
					zap.String("database", database),
					zap.String("position", store.Read()),
					zap.String("path", store.Path()),
				)
				return nil
			}

			fmt.Println(store.Read())
			return nil
		},
	}

	cmd.Flags().StringVar(&setValue, "set", "", "overwrite the persisted position with this value")

	return cmd
}
