package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
)

// DeleteCmd permanently deletes runs. Run IDs are soft-deleted first (so the
// purge path is the same as the recycle bin's), then purged with blob GC.
// With --deleted it empties the recycle bin instead.
var DeleteCmd = &cobra.Command{
	Use:   "delete [run_id]...",
	Short: "Permanently delete runs",
	RunE:  runDelete,
}

var (
	deleteYes     bool
	deleteDeleted bool
)

func init() {
	DeleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Skip the confirmation prompt")
	DeleteCmd.Flags().BoolVar(&deleteDeleted, "deleted", false, "Empty the recycle bin instead of naming runs")
}

func runDelete(cmd *cobra.Command, args []string) error {
	if !deleteDeleted && len(args) == 0 {
		return UsageError(errors.New("name run ids or pass --deleted"))
	}
	for _, id := range args {
		if err := storage.ValidateRunID(id); err != nil {
			return UsageError(err)
		}
	}

	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()

	if !deleteYes {
		prompt := "Permanently delete the named runs?"
		if deleteDeleted {
			prompt = "Permanently delete everything in the recycle bin?"
		}
		confirmed, _ := pterm.DefaultInteractiveConfirm.Show(prompt)
		if !confirmed {
			pterm.Info.Println("Aborted")
			return nil
		}
	}

	var result *storage.EmptyResult
	if deleteDeleted {
		result, err = env.Bin.Empty(ctx)
	} else {
		// Soft-delete first so purge sees a tombstone for each run.
		if _, _, err = env.Bin.SoftDelete(ctx, args, "cli delete"); err != nil {
			return err
		}
		result, err = env.Bin.PurgeRuns(ctx, args)
	}
	if err != nil {
		return err
	}
	pterm.Success.Printf("Deleted %d runs", len(result.Deleted))
	if result.GC != nil {
		pterm.Printf(" (%s reclaimed)", humanBytes(result.GC.ReclaimedBytes))
	}
	pterm.Println()
	if len(result.Failed) > 0 {
		pterm.Warning.Printf("Failed to delete: %v\n", result.Failed)
	}
	return nil
}
