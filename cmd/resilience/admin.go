package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dCache/dcache-sub032/pkg/admin"
)

var (
	adminAddress string
	jsonOutput   bool
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and steer a running controller",
	}

	cmd.PersistentFlags().StringVarP(&adminAddress, "address", "a", "localhost:9090", "admin server address")
	cmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")

	cmd.AddCommand(
		filesCmd(),
		poolsCmd(),
		registerCmd(),
		checkpointCmd(),
	)
	return cmd
}

// withClient dials the admin server and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, client *admin.Client) error) error {
	client, err := admin.Dial(adminAddress)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", adminAddress, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, client)
}

type fileFilterFlags struct {
	states        []string
	pnfsids       []string
	retention     string
	unit          string
	group         string
	poolPattern   string
	parent        string
	source        string
	target        string
	updatedAfter  time.Duration
	updatedBefore time.Duration
}

func (f *fileFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.states, "state", nil, "operation states")
	cmd.Flags().StringSliceVar(&f.pnfsids, "pnfsid", nil, "file ids")
	cmd.Flags().StringVar(&f.retention, "retention", "", "retention policy (custodial, replica, output)")
	cmd.Flags().StringVar(&f.unit, "unit", "", "storage unit")
	cmd.Flags().StringVar(&f.group, "group", "", "pool group")
	cmd.Flags().StringVar(&f.poolPattern, "pools", "", "regular expression matched against parent, source or target")
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent pool")
	cmd.Flags().StringVar(&f.source, "source", "", "source pool")
	cmd.Flags().StringVar(&f.target, "target", "", "target pool")
	cmd.Flags().DurationVar(&f.updatedAfter, "updated-within", 0, "only operations updated within this duration")
	cmd.Flags().DurationVar(&f.updatedBefore, "updated-before", 0, "only operations not updated for this duration")
}

func (f *fileFilterFlags) filter(force bool) *admin.FileFilter {
	out := &admin.FileFilter{
		States:      f.states,
		PnfsIDs:     f.pnfsids,
		Retention:   f.retention,
		Unit:        f.unit,
		Group:       f.group,
		PoolPattern: f.poolPattern,
		Parent:      f.parent,
		Source:      f.source,
		Target:      f.target,
		Force:       force,
	}
	if f.updatedAfter > 0 {
		out.UpdatedAfter = time.Now().Add(-f.updatedAfter)
	}
	if f.updatedBefore > 0 {
		out.UpdatedBefore = time.Now().Add(-f.updatedBefore)
	}
	return out
}

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "File operations",
	}

	var lsFilter fileFilterFlags
	var limit int
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List file operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.ListFiles(ctx, &admin.FileFilterRequest{Filter: lsFilter.filter(false), Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				printFileOperations(resp)
				return nil
			})
		},
	}
	lsFilter.register(ls)
	ls.Flags().IntVar(&limit, "limit", 100, "maximum number of operations to list")

	var countFilter fileFilterFlags
	count := &cobra.Command{
		Use:   "count",
		Short: "Count file operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.CountFiles(ctx, &admin.FileFilterRequest{Filter: countFilter.filter(false)})
				if err != nil {
					return err
				}
				return printCount(resp, "matching file operations")
			})
		},
	}
	countFilter.register(count)

	var cancelFilter fileFilterFlags
	var force bool
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel file operations",
		Long: `Cancel matching file operations. Without --force, an operation that still
has copies to make is moved back to waiting instead of being removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.CancelFiles(ctx, &admin.FileFilterRequest{Filter: cancelFilter.filter(force)})
				if err != nil {
					return err
				}
				return printCount(resp, "file operations cancelled")
			})
		},
	}
	cancelFilter.register(cancel)
	cancel.Flags().BoolVar(&force, "force", false, "remove operations regardless of remaining count")

	cmd.AddCommand(ls, count, cancel)
	return cmd
}

type poolFilterFlags struct {
	states      []string
	pools       []string
	poolPattern string
}

func (f *poolFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.states, "state", nil, "operation states")
	cmd.Flags().StringSliceVar(&f.pools, "pool", nil, "pool names")
	cmd.Flags().StringVar(&f.poolPattern, "pattern", "", "regular expression matched against pool names")
}

func (f *poolFilterFlags) filter() *admin.PoolFilter {
	if len(f.states) == 0 && len(f.pools) == 0 && f.poolPattern == "" {
		return nil
	}
	return &admin.PoolFilter{States: f.states, Pools: f.pools, PoolPattern: f.poolPattern}
}

func poolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Pool operations",
	}

	var lsFilter poolFilterFlags
	var limit int
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List pool operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.ListPools(ctx, &admin.PoolFilterRequest{Filter: lsFilter.filter(), Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				printPoolOperations(resp)
				return nil
			})
		},
	}
	lsFilter.register(ls)
	ls.Flags().IntVar(&limit, "limit", 0, "maximum number of pools to list")

	var cancelFilter poolFilterFlags
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel running pool scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.CancelPools(ctx, &admin.PoolFilterRequest{Filter: cancelFilter.filter()})
				if err != nil {
					return err
				}
				return printCount(resp, "pool scans cancelled")
			})
		},
	}
	cancelFilter.register(cancel)

	cmd.AddCommand(ls, cancel,
		includeCmd("include", true),
		includeCmd("exclude", false),
		scanCmd(),
		poolStatusCmd(),
	)
	return cmd
}

func includeCmd(use string, include bool) *cobra.Command {
	var filter poolFilterFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Mark pools as %sd from resilience handling", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.SetIncluded(ctx, &admin.SetIncludedRequest{Filter: filter.filter(), Include: include})
				if err != nil {
					return err
				}
				return printCount(resp, "pools "+use+"d")
			})
		},
	}
	filter.register(cmd)
	return cmd
}

func scanCmd() *cobra.Command {
	var (
		filter poolFilterFlags
		unit   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Schedule pool scans",
		Long: `Schedule a scan of the matching pools, or with --unit of every pool holding
files of that storage unit. Without --force, pools scanned within the rescan
window are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.Scan(ctx, &admin.ScanRequest{Filter: filter.filter(), Unit: unit, Force: force})
				if err != nil {
					return err
				}
				return printCount(resp, "pool scans scheduled")
			})
		},
	}
	filter.register(cmd)
	cmd.Flags().StringVar(&unit, "unit", "", "scan for one storage unit")
	cmd.Flags().BoolVar(&force, "force", false, "scan even pools scanned recently")
	return cmd
}

func poolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status POOL MODE",
		Short: "Report a pool status change (enabled, readonly or disabled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.SetPoolStatus(ctx, &admin.SetPoolStatusRequest{Pool: args[0], Mode: args[1]})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				printKeyValues("Pool status", [][2]string{
					{"Pool", resp.Pool},
					{"Status", resp.Status},
					{"Action", resp.Action},
				})
				return nil
			})
		},
	}
}

func registerCmd() *cobra.Command {
	var (
		pool         string
		updateType   string
		verifySticky bool
	)
	cmd := &cobra.Command{
		Use:   "register PNFSID...",
		Short: "Register files for verification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				outcomes := make(map[string]string, len(args))
				for _, id := range args {
					resp, err := client.Register(ctx, &admin.RegisterRequest{
						PnfsID:       id,
						Pool:         pool,
						Type:         updateType,
						VerifySticky: verifySticky,
					})
					if err != nil {
						return fmt.Errorf("failed to register %s: %w", id, err)
					}
					outcomes[id] = resp.Outcome
				}
				if jsonOutput {
					return printJSON(outcomes)
				}
				printOutcomes(args, outcomes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "pool the event concerns")
	cmd.Flags().StringVar(&updateType, "type", "", "event type (default ADMIN)")
	cmd.Flags().BoolVar(&verifySticky, "verify-sticky", false, "also verify sticky flags")
	return cmd
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Write the file operation checkpoint now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *admin.Client) error {
				resp, err := client.RunCheckpointNow(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(resp)
				}
				printKeyValues("Checkpoint", [][2]string{
					{"Path", resp.Path},
					{"Records", fmt.Sprintf("%d", resp.Records)},
				})
				return nil
			})
		},
	}
}
