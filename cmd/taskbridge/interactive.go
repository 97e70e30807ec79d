package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskbridge/internal/protocol"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Issue task commands and watch events interactively",
	RunE:  runInteractive,
}

func runInteractive(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive mode requires a terminal")
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cwd := workingDirectory(cmd)

	c, err := dialOrStartDaemon(cmd, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("connected as %s (commands: start <prompt>, cancel, close, quit)\n", c.ClientID())

	// Print relayed events as they arrive.
	go func() {
		for {
			env, err := c.Recv()
			if err != nil {
				return
			}
			switch env.Type {
			case protocol.TypeTaskEvent:
				if event, err := env.TaskEvent(); err == nil {
					printEvent(event)
				}
			case protocol.TypeError:
				var p protocol.ErrorPayload
				if decodeData(env, &p) == nil && p.Message != "" {
					fmt.Printf("error: %s\n", p.Message)
				}
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "quit", "exit":
			return nil

		case "start":
			if rest == "" {
				fmt.Println("usage: start <prompt>")
				break
			}
			data := protocol.TaskCommandData{Text: rest}
			if cwd != "" {
				data.Configuration = protocol.TaskConfiguration{"workingDirectory": cwd}
			}
			if err := c.SendTaskCommand(protocol.CommandStartNewTask, data); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "cancel":
			if err := c.SendTaskCommand(protocol.CommandCancelTask, protocol.TaskCommandData{}); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "close":
			if err := c.SendTaskCommand(protocol.CommandCloseTask, protocol.TaskCommandData{}); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		default:
			fmt.Printf("unknown command %q\n", verb)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}
