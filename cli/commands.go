package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yoga-python/coding-projects-todo/session"
)

func newLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with your Google account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app.tracker.Start(ctx)
			if sig := app.tracker.Current(); sig.Status == session.StatusSignedIn {
				ok(cmd.OutOrStdout(), "already signed in as "+displayName(sig))
				return nil
			}
			if err := app.tracker.BeginSignIn(ctx); err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), "signed in as "+displayName(app.tracker.Current()))
			return nil
		},
	}
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.tracker.SignOut(cmd.Context()); err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sig, err := app.signedIn(cmd.Context())
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), displayName(sig), app.sync.Snapshot().Tasks)
			return nil
		},
	}
}

func newAddCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "add <title...>",
		Short:   "Add a task",
		Example: `  todo add "Buy milk"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := app.signedIn(ctx); err != nil {
				return err
			}
			task, err := app.sync.Add(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), fmt.Sprintf("added %s (%s)", task.Title, task.ID))
			return nil
		},
	}
}

func newToggleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Mark a task done, or open again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := app.signedIn(ctx); err != nil {
				return err
			}
			task, found := app.sync.Find(args[0])
			if !found {
				return fmt.Errorf("no task with id %q; run `todo list` to see ids", args[0])
			}
			updated, err := app.sync.Toggle(ctx, task)
			if err != nil {
				return err
			}
			if updated == nil {
				return fmt.Errorf("task %q no longer exists", task.ID)
			}
			state := "open"
			if updated.Done {
				state = "done"
			}
			ok(cmd.OutOrStdout(), fmt.Sprintf("%s is %s", updated.Title, state))
			return nil
		},
	}
}

func displayName(sig session.Signal) string {
	if sig.Identity.DisplayName != "" {
		return sig.Identity.DisplayName
	}
	return sig.Identity.UID
}
