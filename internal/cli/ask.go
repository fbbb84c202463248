package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	askConversation string
	askNewSession   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <repo-id> <question>",
	Short: "Ask a question about an indexed repository",
	Long: `Ask a question about an indexed repository.

Retrieves the most relevant chunks, streams the model's answer to
stdout and lists the source files it was grounded in. Pass
--conversation to keep follow-up questions in context.

Examples:
  coderag ask myproject "where is the retry logic?"
  coderag ask myproject "why?" --conversation 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  coderag ask myproject "how does auth work?" --new-session`,
	Args: cobra.ExactArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "conversation id for follow-up context")
	askCmd.Flags().BoolVar(&askNewSession, "new-session", false, "start a new conversation and print its id")
}

func runAsk(cmd *cobra.Command, args []string) error {
	repoID, question := args[0], args[1]
	ctx := context.Background()

	if err := initLLM(ctx); err != nil {
		return err
	}

	var conversationID *string
	switch {
	case askNewSession:
		id := uuid.NewString()
		conversationID = &id
		fmt.Fprintf(os.Stderr, "conversation: %s\n\n", id)
	case askConversation != "":
		conversationID = &askConversation
	}

	orchestrator := newOrchestrator()

	result, err := orchestrator.Ask(ctx, repoID, question, conversationID, func(token string) error {
		fmt.Print(token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Println()

	if len(result.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range result.Sources {
			if src.Score != nil {
				fmt.Printf("  - %s (%.2f)\n", src.FilePath, *src.Score)
			} else {
				fmt.Printf("  - %s\n", src.FilePath)
			}
		}
	}

	return nil
}
