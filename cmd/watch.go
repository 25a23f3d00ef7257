// File: cmd/watch.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/remedy-cli/internal/autofix"
	"github.com/xkilldash9x/remedy-cli/internal/config"
	"github.com/xkilldash9x/remedy-cli/internal/observability"
)

var (
	watchProject     string
	watchEnvironment string
	watchService     string
	watchDisabled    bool
)

// newWatchCmd creates the watch command group for managing log sources.
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the log sources the pipeline polls.",
	}

	cmd.AddCommand(newWatchAddCmd(), newWatchRemoveCmd(), newWatchListCmd())
	return cmd
}

// openStateStore loads the state file named by the current configuration.
func openStateStore() (*autofix.StateStore, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return autofix.NewStateStore(cfg.Autofix.StateFile, observability.GetLogger()), nil
}

func watchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&watchProject, "project", "", "project identifier")
	cmd.Flags().StringVar(&watchEnvironment, "environment", "", "environment identifier")
	cmd.Flags().StringVar(&watchService, "service", "", "service name")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("environment")
	_ = cmd.MarkFlagRequired("service")
}

func newWatchAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a watched log source.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore()
			if err != nil {
				return err
			}
			store.AddWatch(autofix.Watch{
				ProjectID:     watchProject,
				EnvironmentID: watchEnvironment,
				ServiceName:   watchService,
				Enabled:       !watchDisabled,
			})
			if err := store.Save(); err != nil {
				return err
			}
			fmt.Printf("Watching %s/%s/%s (enabled=%t)\n", watchProject, watchEnvironment, watchService, !watchDisabled)
			return nil
		},
	}
	watchFlags(cmd)
	cmd.Flags().BoolVar(&watchDisabled, "disabled", false, "register the watch without polling it")
	return cmd
}

func newWatchRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Stop watching a log source.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore()
			if err != nil {
				return err
			}
			if !store.RemoveWatch(watchProject, watchEnvironment, watchService) {
				return fmt.Errorf("no watch found for %s/%s/%s", watchProject, watchEnvironment, watchService)
			}
			if err := store.Save(); err != nil {
				return err
			}
			fmt.Printf("Removed watch %s/%s/%s\n", watchProject, watchEnvironment, watchService)
			return nil
		},
	}
	watchFlags(cmd)
	return cmd
}

func newWatchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the watched log sources.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStateStore()
			if err != nil {
				return err
			}
			watches := store.Watches()
			if len(watches) == 0 {
				fmt.Println("No watches configured.")
				return nil
			}
			for _, w := range watches {
				state := "enabled"
				if !w.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-50s %s\n", w.Key(), state)
			}
			return nil
		},
	}
}
