package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskbridge/internal/protocol"
	"taskbridge/internal/session"
)

var attachCmd = &cobra.Command{
	Use:   "attach <taskId>",
	Short: "Stream events for a task until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	store, err := session.NewStore("")
	if err != nil {
		return err
	}
	sess, ok := store.Get(taskID)
	if !ok {
		return fmt.Errorf("unknown task %q, run %q to list tasks", taskID, "taskbridge ls")
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	c, err := dialOrStartDaemon(cmd, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("attached to task %s (%s)\n", sess.TaskID, sess.Prompt)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		env, err := c.Recv()
		if err != nil {
			if ctx.Err() != nil {
				_ = store.Save()
				return nil // interrupted by the user
			}
			return fmt.Errorf("connection to daemon lost: %w", err)
		}
		if env.Type != protocol.TypeTaskEvent {
			continue
		}
		event, err := env.TaskEvent()
		if err != nil {
			continue
		}
		printEvent(event)
		store.SetLastEvent(taskID, event.EventName)
	}
}

func printEvent(event *protocol.TaskEventPayload) {
	if text := event.Text(); text != "" {
		fmt.Printf("[%s] %s\n", event.EventName, text)
		return
	}
	fmt.Printf("[%s]\n", event.EventName)
}
