package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const replHelp = `Type a message to remember it. Commands:
  /search <query>  search similar memories
  /list            list all memories
  /help            show this help
  /exit            quit
`

func replCommand() *cli.Command {
	var (
		cfg         config
		owner       string
		historyFile string
	)

	flags := commandFlags(&cfg,
		ownerFlag(&owner),
		&cli.StringFlag{
			Name:        "history-file",
			Usage:       "File to keep line history",
			Sources:     cli.EnvVars("MNEMO_HISTORY_FILE"),
			Destination: &historyFile,
		},
	)

	return &cli.Command{
		Name:  "repl",
		Usage: "Interactive session that consolidates every line into memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}

			rt, err := cfg.newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          owner + "> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			session := &replSession{
				memory: consolidation.NewSerialized(rt.pipeline),
				owner:  model.Owner(owner),
				w:      c.Root().Writer,
			}

			fmt.Fprint(session.w, replHelp)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read line")
				}

				if quit := session.handle(ctx, line); quit {
					break
				}
			}
			return nil
		},
	}
}

type replSession struct {
	memory *consolidation.Serialized
	owner  model.Owner
	w      io.Writer
}

// handle runs one input line and reports whether the session should end
func (x *replSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/exit", "/quit":
		return true

	case "/help":
		fmt.Fprint(x.w, replHelp)

	case "/list":
		records, err := x.memory.List(ctx, x.owner)
		if err != nil {
			logging.From(ctx).Error("failed to list memories", "error", err)
			return false
		}
		printRecords(x.w, records)

	case "/search":
		found, err := x.memory.Search(ctx, x.owner, strings.TrimSpace(arg), 0)
		if err != nil {
			logging.From(ctx).Error("failed to search memories", "error", err)
			return false
		}
		printCandidates(x.w, found)

	default:
		printResult(x.w, x.memory.ProcessMessage(ctx, x.owner, line))
	}
	return false
}
