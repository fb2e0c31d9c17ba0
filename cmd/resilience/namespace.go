package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/types"
)

// namespaceCmd edits the badger namespace directly. The store allows a single
// process, so the controller must not be running.
func namespaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "namespace",
		Short: "Edit the namespace of a stopped controller",
	}
	cmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")

	cmd.AddCommand(putCmd(), locationCmd("add-location", true), locationCmd("clear-location", false), nsListCmd())
	return cmd
}

func withStore(fn func(ctx context.Context, store *namespace.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(verbose)
	defer logger.Sync()

	store, err := namespace.Open(cfg.Store(), logger)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func putCmd() *cobra.Command {
	var (
		unit      string
		retention string
		latency   string
		size      int64
		locations []string
	)
	cmd := &cobra.Command{
		Use:   "put PNFSID",
		Short: "Create or replace a file entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := types.ParseRetentionPolicy(retention)
			if err != nil {
				return err
			}
			l, err := types.ParseAccessLatency(latency)
			if err != nil {
				return err
			}
			attrs := types.FileAttributes{
				PnfsID:          types.PnfsID(args[0]),
				RetentionPolicy: r,
				AccessLatency:   l,
				StorageClass:    types.UnitName(unit),
				Size:            size,
			}
			for _, loc := range locations {
				attrs.Locations = append(attrs.Locations, types.PoolName(loc))
			}
			return withStore(func(ctx context.Context, store *namespace.Store) error {
				if err := store.Put(ctx, attrs); err != nil {
					return fmt.Errorf("failed to store %s: %w", attrs.PnfsID, err)
				}
				fmt.Printf("Stored %s\n", valueStyle.Render(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "storage unit")
	cmd.Flags().StringVar(&retention, "retention", "replica", "retention policy")
	cmd.Flags().StringVar(&latency, "latency", "online", "access latency")
	cmd.Flags().Int64Var(&size, "size", 0, "file size in bytes")
	cmd.Flags().StringSliceVar(&locations, "location", nil, "pools holding a replica")
	return cmd
}

func locationCmd(use string, add bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " PNFSID POOL",
		Short: "Change the recorded replicas of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pnfsid, pool := types.PnfsID(args[0]), types.PoolName(args[1])
			return withStore(func(ctx context.Context, store *namespace.Store) error {
				var changed bool
				var err error
				if add {
					changed, err = store.AddLocation(ctx, pnfsid, pool)
				} else {
					changed, err = store.ClearLocation(ctx, pnfsid, pool)
				}
				if err != nil {
					return err
				}
				if !changed {
					fmt.Println(mutedStyle.Render("No change"))
					return nil
				}
				fmt.Printf("Updated %s on %s\n", valueStyle.Render(args[0]), valueStyle.Render(args[1]))
				return nil
			})
		},
	}
}

func nsListCmd() *cobra.Command {
	var (
		pool  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List file entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *namespace.Store) error {
				var files []types.FileAttributes
				if pool == "" {
					var err error
					files, err = store.List(ctx, limit)
					if err != nil {
						return err
					}
				} else {
					err := store.FilesOnPool(ctx, types.PoolName(pool), func(attrs types.FileAttributes) error {
						if limit > 0 && len(files) >= limit {
							return errStopListing
						}
						files = append(files, attrs)
						return nil
					})
					if err != nil && !errors.Is(err, errStopListing) {
						return err
					}
				}
				if jsonOutput {
					return printJSON(files)
				}
				printFiles(files)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "only files with a replica on this pool")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of files to list")
	return cmd
}

var errStopListing = errors.New("listing limit reached")
