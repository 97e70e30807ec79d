package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskbridge/internal/protocol"
	"taskbridge/internal/session"
)

var startCmd = &cobra.Command{
	Use:   "start <prompt>",
	Short: "Start a new task with the given prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStart,
}

func init() {
	startCmd.Flags().Bool("new-tab", false, "Open the task in a new editor tab")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	prompt := strings.Join(args, " ")
	cwd := workingDirectory(cmd)
	newTab, _ := cmd.Flags().GetBool("new-tab")

	c, err := dialOrStartDaemon(cmd, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	data := protocol.TaskCommandData{
		Text:   prompt,
		NewTab: newTab,
	}
	if cwd != "" {
		data.Configuration = protocol.TaskConfiguration{"workingDirectory": cwd}
	}
	if err := c.SendTaskCommand(protocol.CommandStartNewTask, data); err != nil {
		return fmt.Errorf("failed to send task command: %w", err)
	}

	// The daemon answers with an error envelope when the extension is not
	// connected; give it a moment to arrive before declaring success.
	if err := awaitCommandOutcome(c); err != nil {
		return err
	}

	store, err := session.NewStore("")
	if err != nil {
		return err
	}
	taskID := uuid.NewString()
	store.Put(&session.Session{
		TaskID:           taskID,
		Prompt:           prompt,
		WorkingDirectory: cwd,
		ClientID:         c.ClientID(),
		StartedAt:        time.Now(),
	})
	if err := store.Save(); err != nil {
		return err
	}

	fmt.Printf("task started: %s\n", taskID)
	return nil
}

// awaitCommandOutcome waits briefly for an error envelope; silence means the
// command was relayed upstream.
func awaitCommandOutcome(c interface {
	Recv() (*protocol.Envelope, error)
	Ping() error
}) error {
	// A ping forces a server round trip: the pong arriving without a
	// preceding error envelope means the command was accepted.
	if err := c.Ping(); err != nil {
		return err
	}
	for {
		env, err := c.Recv()
		if err != nil {
			return err
		}
		switch env.Type {
		case protocol.TypeError:
			var p protocol.ErrorPayload
			if perr := decodeData(env, &p); perr == nil && p.Message != "" {
				return fmt.Errorf("daemon rejected command: %s", p.Message)
			}
			return fmt.Errorf("daemon rejected command")
		case protocol.TypePong:
			return nil
		default:
			// Relayed events may interleave; keep waiting for the pong.
		}
	}
}
