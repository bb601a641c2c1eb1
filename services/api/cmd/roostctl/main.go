package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"roost/pkg/db"
	"roost/services/distributed"
	"roost/services/enrollment"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "roostctl",
		Short:         "Utility for managing roost enrollments and probes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSecretsCommand())
	cmd.AddCommand(newEnrollmentsCommand())
	cmd.AddCommand(newProbesCommand())
	return cmd
}

func connectORM(ctx context.Context) (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("ROOST_DB_DSN"))
	if dsn == "" {
		return nil, errors.New("ROOST_DB_DSN is required")
	}
	return db.ConnectORM(ctx, dsn)
}

func enrollmentStore(ctx context.Context) (*enrollment.Store, func(), error) {
	orm, err := connectORM(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.CloseORM(orm); err != nil {
			fmt.Fprintf(os.Stderr, "orm close error: %v\n", err)
		}
	}
	signer, err := enrollment.NewSignerFromEnv()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	store, err := enrollment.NewStore(orm, signer, log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Enrollment secret operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSecretsCreateCommand())
	cmd.AddCommand(newSecretsRevokeCommand())
	return cmd
}

func newSecretsCreateCommand() *cobra.Command {
	var (
		module        string
		quota         int
		serialNumbers []string
		udids         []string
		expiresIn     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a signed enrollment secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			store, cleanup, err := enrollmentStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := enrollment.CreateSecretOptions{
				Module:        module,
				Quota:         quota,
				SerialNumbers: serialNumbers,
				UDIDs:         udids,
			}
			if expiresIn > 0 {
				expiredAt := time.Now().UTC().Add(expiresIn)
				opts.ExpiredAt = &expiredAt
			}

			secret, token, err := store.CreateSecret(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\ntoken: %s\n", secret.ID, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&module, "module", enrollment.ModuleOsquery, "Module the secret enrolls into")
	cmd.Flags().IntVar(&quota, "quota", 0, "Redemption quota, 0 for unlimited")
	cmd.Flags().StringSliceVar(&serialNumbers, "serial", nil, "Restrict the secret to these serial numbers")
	cmd.Flags().StringSliceVar(&udids, "udid", nil, "Restrict the secret to these UDIDs")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Validity window, 0 for no expiry")
	return cmd
}

func newSecretsRevokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <secret-id>",
		Short: "Revoke an enrollment secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse secret id: %w", err)
			}
			store, cleanup, err := enrollmentStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.RevokeSecret(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
			return nil
		},
	}
	return cmd
}

func newEnrollmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrollments",
		Short: "MDM enrollment operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newEnrollmentsCreateCommand())
	return cmd
}

func newEnrollmentsCreateCommand() *cobra.Command {
	var (
		name  string
		quota int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a named MDM enrollment with its secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			store, cleanup, err := enrollmentStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			record, token, err := store.CreateEnrollment(ctx, name, enrollment.CreateSecretOptions{
				Module: enrollment.ModuleMDM,
				Quota:  quota,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\ntoken: %s\n", record.ID, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Enrollment name")
	cmd.Flags().IntVar(&quota, "quota", 0, "Redemption quota, 0 for unlimited")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProbesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probes",
		Short: "Distributed probe operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newProbesAddCommand())
	cmd.AddCommand(newProbesListCommand())
	return cmd
}

func newProbesAddCommand() *cobra.Command {
	var (
		name  string
		kind  string
		query string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a distributed query or carve probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			orm, err := connectORM(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.CloseORM(orm); err != nil {
					fmt.Fprintf(os.Stderr, "orm close error: %v\n", err)
				}
			}()

			registry, err := distributed.NewRegistry(orm)
			if err != nil {
				return err
			}
			probe, err := registry.CreateProbe(ctx, name, kind, query)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "probe %d delivered as %s\n", probe.ID, distributed.ProbeKey(*probe))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Probe name")
	cmd.Flags().StringVar(&kind, "kind", distributed.KindQuery, "Probe kind (query or carve)")
	cmd.Flags().StringVar(&query, "query", "", "osquery SQL to run")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newProbesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered probes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			orm, err := connectORM(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.CloseORM(orm); err != nil {
					fmt.Fprintf(os.Stderr, "orm close error: %v\n", err)
				}
			}()

			registry, err := distributed.NewRegistry(orm)
			if err != nil {
				return err
			}
			probes, err := registry.Probes(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tQUERY")
			for _, probe := range probes {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", probe.ID, probe.Name, probe.Kind, probe.Query)
			}
			return tw.Flush()
		},
	}
	return cmd
}
