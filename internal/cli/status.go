package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <repo-id>",
	Short: "Show the indexing state of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	repoID := args[0]
	ctx := context.Background()

	repo, err := dbClient.GetRepo(ctx, repoID)
	if err != nil {
		return fmt.Errorf("load repo: %w", err)
	}
	if repo == nil {
		return fmt.Errorf("unknown repo %q", repoID)
	}

	fmt.Printf("Repo:    %s\n", repo.Name)
	fmt.Printf("Path:    %s\n", repo.Path)
	if repo.Indexed {
		fmt.Println("Status:  indexed")
		if repo.IndexedAt != nil {
			fmt.Printf("Indexed: %s\n", repo.IndexedAt.Format("2006-01-02 15:04:05"))
		}
	} else {
		fmt.Println("Status:  not indexed")
	}

	return nil
}
