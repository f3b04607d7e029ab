package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/urfave/cli/v3"
)

func processCommand() *cli.Command {
	var (
		cfg     config
		owner   string
		message string
	)

	flags := commandFlags(&cfg,
		ownerFlag(&owner),
		&cli.StringFlag{
			Name:        "message",
			Aliases:     []string{"m"},
			Usage:       "Message to consolidate; read from stdin when omitted",
			Destination: &message,
		},
	)

	return &cli.Command{
		Name:  "process",
		Usage: "Extract facts from a message and consolidate them into memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}

			if message == "" {
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return goerr.Wrap(err, "failed to read message from stdin")
				}
				message = strings.TrimSpace(string(raw))
			}
			if message == "" {
				return goerr.New("message is required")
			}

			rt, err := cfg.newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(c.Root().ErrWriter))
			s.Suffix = " consolidating..."
			s.Start()
			result := rt.pipeline.ProcessMessage(ctx, model.Owner(owner), message)
			s.Stop()

			printResult(c.Root().Writer, result)
			return nil
		},
	}
}

func printResult(w io.Writer, result *consolidation.Result) {
	if len(result.Facts) == 0 {
		fmt.Fprintf(w, "No facts extracted\n")
		return
	}

	for _, f := range result.Facts {
		fmt.Fprintf(w, "fact: %s\n", f)
	}
	for _, a := range result.Report.Actions {
		switch a.Action.Kind {
		case model.ActionNone:
			fmt.Fprintf(w, "%-6s %-7s %s\n", a.Action.Kind, a.Outcome, a.Action.OriginalFact)
		default:
			fmt.Fprintf(w, "%-6s %-7s %s %s\n", a.Action.Kind, a.Outcome, a.Action.ID, a.Action.Content)
		}
	}
}
