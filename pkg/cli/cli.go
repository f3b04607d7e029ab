package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/urfave/cli/v3"
)

// Version is reported by the MCP server and --version
var Version = "dev"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:    "mnemo",
		Usage:   "Per-owner long-term memory consolidated from conversation",
		Version: Version,
		Commands: []*cli.Command{
			processCommand(),
			searchCommand(),
			listCommand(),
			exportCommand(),
			importCommand(),
			replCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// commandFlags returns flags of a command followed by the shared ones
func commandFlags(cfg *config, flags ...cli.Flag) []cli.Flag {
	flags = append(flags, globalFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	return flags
}

func ownerFlag(owner *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "owner",
		Aliases:     []string{"o"},
		Usage:       "Owner of the memories, usually a user ID",
		Sources:     cli.EnvVars("MNEMO_OWNER"),
		Destination: owner,
		Required:    true,
	}
}

func printCandidates(w io.Writer, candidates []*model.Candidate) {
	for _, c := range candidates {
		fmt.Fprintf(w, "%s\t%.4f\t%s\n", c.ID, c.Score, c.Content)
	}
}

func printRecords(w io.Writer, records []*model.MemoryRecord) {
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.Content)
	}
}
