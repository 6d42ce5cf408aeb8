package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cagiotech/cagiotech/cmd/cagioctl/cli"
	"github.com/cagiotech/cagiotech/internal/auth"
	"github.com/cagiotech/cagiotech/internal/platform/cache"
	"github.com/cagiotech/cagiotech/internal/platform/db"
)

// environment opens the backends a command needs. Tests replace the
// openers with fakes.
type environment struct {
	migrateUp   func(ctx context.Context) error
	migrateDown func(ctx context.Context, steps int) error
	version     func(ctx context.Context) (uint, bool, error)
	admin       func(ctx context.Context) (*cli.AdminCLI, func(), error)
	jobs        func(ctx context.Context) (jobsRunner, func(), error)
}

type jobsRunner interface {
	Trigger(ctx context.Context, name string) (string, error)
	InspectQueues(ctx context.Context) ([]cli.QueueStats, error)
}

type asynqJobs struct{ *cli.JobsCLI }

func (j asynqJobs) Trigger(ctx context.Context, name string) (string, error) {
	info, err := j.JobsCLI.Trigger(ctx, name)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func newEnvironment(load func() (ctlConfig, error)) *environment {
	withPool := func(ctx context.Context, fn func(*pgxpool.Pool) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(2), db.WithApplicationName("cagioctl"))
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(pool)
	}
	redisOpts := func() (cache.Options, error) {
		cfg, err := load()
		if err != nil {
			return cache.Options{}, err
		}
		return cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, nil
	}

	return &environment{
		migrateUp: func(ctx context.Context) error {
			return withPool(ctx, func(pool *pgxpool.Pool) error { return db.Migrate(pool, nil) })
		},
		migrateDown: func(ctx context.Context, steps int) error {
			return withPool(ctx, func(pool *pgxpool.Pool) error { return db.MigrateDown(pool, steps) })
		},
		version: func(ctx context.Context) (version uint, dirty bool, err error) {
			err = withPool(ctx, func(pool *pgxpool.Pool) error {
				version, dirty, err = db.MigrationVersion(pool)
				return err
			})
			return version, dirty, err
		},
		admin: func(ctx context.Context) (*cli.AdminCLI, func(), error) {
			cfg, err := load()
			if err != nil {
				return nil, nil, err
			}
			pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(2), db.WithApplicationName("cagioctl"))
			if err != nil {
				return nil, nil, err
			}
			var (
				publisher cli.Publisher
				client    *redis.Client
			)
			opts, _ := redisOpts()
			if client, err = cache.New(ctx, opts); err == nil {
				publisher = auth.NewNotifier(client, nil)
			}
			closeFn := func() {
				pool.Close()
				if client != nil {
					_ = client.Close()
				}
			}
			return cli.NewAdminCLI(auth.NewRepository(pool), cli.NewPGAssignments(pool), publisher), closeFn, nil
		},
		jobs: func(context.Context) (jobsRunner, func(), error) {
			opts, err := redisOpts()
			if err != nil {
				return nil, nil, err
			}
			j := cli.NewJobsCLI(opts.AsynqOpt())
			return asynqJobs{j}, func() { _ = j.Close() }, nil
		},
	}
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "cagioctl",
		Short:         "Operate a CagioTech deployment.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newMigrateCmd(env), newAssignCmd(env), newApproveCmd(env), newJobsCmd(env))
	return root
}

func newMigrateCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := env.migrateUp(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("schema up to date")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			if err := env.migrateDown(cmd.Context(), steps); err != nil {
				return err
			}
			cmd.Printf("rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, dirty, err := env.version(cmd.Context())
			if err != nil {
				return err
			}
			if dirty {
				cmd.Printf("%d (dirty)\n", version)
				return nil
			}
			cmd.Println(version)
			return nil
		},
	})
	return cmd
}

func newAssignCmd(env *environment) *cobra.Command {
	var opts cli.AssignOptions
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Grant a role assignment to an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, closeFn, err := env.admin(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			admin.SetWarnings(cmd.ErrOrStderr())
			a, err := admin.Assign(cmd.Context(), opts)
			if err != nil {
				return err
			}
			cmd.Printf("assignment %d: %s company=%d approved=%t\n", a.ID, a.Kind, a.CompanyID, a.Approved)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "account email")
	cmd.Flags().StringVar(&opts.Kind, "role", "", "role kind (cagio_admin, box_owner, personal_trainer, staff_member, student)")
	cmd.Flags().Int64Var(&opts.CompanyID, "company", 0, "company id for company-scoped roles")
	cmd.Flags().BoolVar(&opts.Approved, "approved", false, "grant the assignment already approved")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newApproveCmd(env *environment) *cobra.Command {
	var (
		email, kind string
		companyID   int64
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending role assignment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, closeFn, err := env.admin(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			admin.SetWarnings(cmd.ErrOrStderr())
			if err := admin.Approve(cmd.Context(), email, kind, companyID); err != nil {
				return err
			}
			cmd.Println("approved")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&kind, "role", "student", "role kind")
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newJobsCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a maintenance job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: cli.TriggerableJobs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, closeFn, err := env.jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			id, err := runner.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("enqueued %s (%s)\n", args[0], id)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, closeFn, err := env.jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			stats, err := runner.InspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return tw.Flush()
		},
	})
	return cmd
}
