package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/snapshot"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type storageFlags struct {
	bucket string
	prefix string
	dir    string
	key    string
}

func (x *storageFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket of snapshots",
			Sources:     cli.EnvVars("MNEMO_SNAPSHOT_BUCKET"),
			Destination: &x.bucket,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "Object name prefix in the bucket",
			Sources:     cli.EnvVars("MNEMO_SNAPSHOT_PREFIX"),
			Destination: &x.prefix,
		},
		&cli.StringFlag{
			Name:        "dir",
			Usage:       "Local directory of snapshots, used when bucket is not set",
			Sources:     cli.EnvVars("MNEMO_SNAPSHOT_DIR"),
			Destination: &x.dir,
		},
		&cli.StringFlag{
			Name:        "key",
			Aliases:     []string{"k"},
			Usage:       "Snapshot key; export generates one from owner and time when omitted",
			Destination: &x.key,
		},
	}
}

func exportCommand() *cli.Command {
	var (
		cfg   config
		owner string
		sf    storageFlags
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write all memories of an owner to a JSONL snapshot",
		Flags: commandFlags(&cfg, append(sf.flags(), ownerFlag(&owner))...),
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

			storage, err := cfg.newStorage(ctx, sf.bucket, sf.prefix, sf.dir)
			if err != nil {
				return err
			}
			rt.closers = append(rt.closers, func(context.Context) error { return storage.Close() })

			key := sf.key
			if key == "" {
				key = snapshot.Key(model.Owner(owner), time.Now())
			}

			n, err := snapshot.Export(ctx, rt.pipeline, storage, model.Owner(owner), key)
			if err != nil {
				return err
			}
			logging.From(ctx).Info("exported snapshot", "owner", owner, "key", key, "records", n)
			fmt.Fprintf(c.Root().Writer, "%s\t%d\n", key, n)
			return nil
		},
	}
}

func importCommand() *cli.Command {
	var (
		cfg   config
		owner string
		sf    storageFlags
	)

	return &cli.Command{
		Name:  "import",
		Usage: "Restore memories of an owner from a JSONL snapshot, re-embedding every record",
		Flags: commandFlags(&cfg, append(sf.flags(), ownerFlag(&owner))...),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx, c)
			if err != nil {
				return err
			}
			if sf.key == "" {
				return goerr.New("key is required")
			}

			rt, err := cfg.newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			storage, err := cfg.newStorage(ctx, sf.bucket, sf.prefix, sf.dir)
			if err != nil {
				return err
			}
			rt.closers = append(rt.closers, func(context.Context) error { return storage.Close() })

			n, err := snapshot.Import(ctx, storage, rt.embedder, rt.store, model.Owner(owner), sf.key, rt.embeddingRef)
			if err != nil {
				return err
			}
			logging.From(ctx).Info("imported snapshot", "owner", owner, "key", sf.key, "records", n)
			fmt.Fprintf(c.Root().Writer, "%s\t%d\n", sf.key, n)
			return nil
		},
	}
}
