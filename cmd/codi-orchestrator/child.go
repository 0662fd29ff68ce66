package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/laynepenney/codi-sub005/internal/childrt"
)

// runChild handles the --child-mode/--reader-mode branch: this process is
// itself a spawned worker or reader, launched by the supervisor with the
// flags supervisor.buildArgs constructs.
func runChild(cmd *cobra.Command, isReader bool) error {
	socketPath, _ := cmd.Flags().GetString("socket-path")
	if socketPath == "" {
		socketPath = os.Getenv("CODI_SOCKET_PATH")
	}
	childID, _ := cmd.Flags().GetString("child-id")
	if childID == "" {
		childID = os.Getenv("CODI_CHILD_ID")
	}
	if socketPath == "" || childID == "" {
		return fmt.Errorf("child mode requires --socket-path and --child-id")
	}

	task, _ := cmd.Flags().GetString("child-task")
	model, _ := cmd.Flags().GetString("model")
	provider, _ := cmd.Flags().GetString("provider")

	// --auto-approve is informational here: the orchestrator already knows
	// each worker's auto-approve list from the WorkerConfig it was spawned
	// with, and applies it when routing this child's permission_requests.
	return childrt.Run(socketPath, childrt.Task{
		ChildID:  childID,
		IsReader: isReader,
		Task:     task,
		Model:    model,
		Provider: provider,
	})
}
