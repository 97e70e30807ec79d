package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskbridge/internal/session"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known tasks",
	RunE:  runLs,
}

func runLs(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore("")
	if err != nil {
		return err
	}

	sessions := store.List()
	if len(sessions) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTARTED\tLAST EVENT\tPROMPT")
	for _, s := range sessions {
		prompt := s.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:57] + "..."
		}
		lastEvent := s.LastEvent
		if lastEvent == "" {
			lastEvent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.TaskID,
			s.StartedAt.Local().Format(time.DateTime),
			lastEvent,
			prompt,
		)
	}
	return w.Flush()
}
