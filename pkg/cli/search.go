package cli

import (
	"context"

	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg   config
		owner string
		query string
		limit int64
	)

	flags := commandFlags(&cfg,
		ownerFlag(&owner),
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Text to search similar memories for",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to return",
			Value:       5,
			Sources:     cli.EnvVars("MNEMO_QUERY_LIMIT"),
			Destination: &limit,
		},
	)

	return &cli.Command{
		Name:  "search",
		Usage: "Search memories of an owner by semantic similarity",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}

			rt, err := cfg.newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			found, err := rt.pipeline.Search(ctx, model.Owner(owner), query, int(limit))
			if err != nil {
				return err
			}
			printCandidates(c.Root().Writer, found)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	var (
		cfg   config
		owner string
	)

	return &cli.Command{
		Name:  "list",
		Usage: "List all memories of an owner",
		Flags: commandFlags(&cfg, ownerFlag(&owner)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}

			rt, err := cfg.newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			records, err := rt.pipeline.List(ctx, model.Owner(owner))
			if err != nil {
				return err
			}
			printRecords(c.Root().Writer, records)
			return nil
		},
	}
}
