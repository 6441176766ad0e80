package main

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/storycredits/internal/store/migrations"
	"github.com/spf13/cobra"
)

const flagSteps = "steps"

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(cmd, func(runner *migrations.Runner) error {
					changed, err := runner.Up()
					if err != nil {
						return err
					}
					if !changed {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
						return nil
					}
					return printStatus(cmd, runner)
				})
			},
		},
		newMigrateDownCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(cmd, func(runner *migrations.Runner) error {
					return printStatus(cmd, runner)
				})
			},
		},
	)
	return cmd
}

func newMigrateDownCommand() *cobra.Command {
	steps := 1
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, func(runner *migrations.Runner) error {
				if err := runner.Down(steps); err != nil {
					return err
				}
				return printStatus(cmd, runner)
			})
		},
	}
	cmd.Flags().IntVar(&steps, flagSteps, 1, "number of migrations to roll back")
	return cmd
}

func withRunner(cmd *cobra.Command, fn func(runner *migrations.Runner) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	runner, err := migrations.NewRunner(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()
	return fn(runner)
}

func printStatus(cmd *cobra.Command, runner *migrations.Runner) error {
	status, err := runner.Version()
	if err != nil {
		return err
	}
	if !status.Applied {
		fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", status.Version, status.Dirty)
	return nil
}
