package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scribe/internal/app"
	"scribe/internal/config"
	"scribe/internal/scribe"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "PushProject", "Sync").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on the terminal without echoing input.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

// openInput returns stdin for "-" and the named file otherwise.
func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

// targetFromFlags reads the --collection and --entity flags.
func targetFromFlags(cmd *cobra.Command) scribe.Target {
	collection, _ := cmd.Flags().GetString("collection")
	entity, _ := cmd.Flags().GetString("entity")
	return scribe.Target{Collection: collection, EntityID: entity}
}

func printReport(report *scribe.SaveReport) {
	if report == nil {
		return
	}
	for _, f := range report.Failures() {
		fmt.Printf("  not saved: %s\n", f.Error())
	}
	for name, err := range report.CollectionErrors {
		fmt.Printf("  %s not saved: %v\n", name, err)
	}
	for _, r := range report.RejectedImages {
		if r.Offloaded {
			fmt.Printf("  image moved to vault: %s (%d bytes)\n", r.Ref, r.Bytes)
			continue
		}
		fmt.Printf("  image dropped: %s (%d bytes)\n", r.Ref, r.Bytes)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Story workspace persistence and sync",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		ownerID := defaults["owner_id"]
		if ownerID == "" {
			ownerID = uuid.New().String()
		}
		cfg := config.NewConfig(ownerID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Owner ID: %s\n", ownerID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Owner ID: %s\n", cfg.OwnerID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Store:    %s\n", cfg.Store.Type)
		fmt.Printf("Vault:    %s\n", cfg.Vault.Type)
		fmt.Printf("Journal:  %s\n", cfg.Database.Type)
		fmt.Printf("Listen:   %s\n", cfg.Server.Listen)
		return nil
	},
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sign in or out",
}

var authLoginCmd = &cobra.Command{
	Use:   "login OWNER_ID",
	Short: "Sign in as an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scribe.ValidateID(args[0]); err != nil {
			return err
		}
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		if err := config.Set(defaults["config_path"], func(c *config.Config) { c.OwnerID = args[0] }); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s\n", args[0])
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		if err := config.Set(defaults["config_path"], func(c *config.Config) { c.OwnerID = "" }); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}

// project command
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "ListProjects")
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.ListProjects(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %-24s  %s\n", p.ID, p.LastModified, p.Title)
		}
		return nil
	},
}

var projectWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print your project list whenever it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "WatchProjects")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.WatchProjects(ctx, func(owner string, projects []*scribe.Project) {
			fmt.Printf("-- %s  owner:%s  %d project(s)\n", time.Now().Format("15:04:05"), owner, len(projects))
			for _, p := range projects {
				fmt.Printf("   %s  %s\n", p.ID, p.Title)
			}
		})
	},
}

var projectNewCmd = &cobra.Command{
	Use:   "new TITLE",
	Short: "Create an empty project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "NewProject")
		if err != nil {
			return err
		}
		defer a.Close()

		p, report, err := a.NewProject(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created project %s\n", p.ID)
		printReport(report)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show PROJECT_ID",
	Short: "Show a project summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "ShowProject")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.ShowProject(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:            %s\n", p.ID)
		fmt.Printf("Title:         %s\n", p.Title)
		fmt.Printf("Last modified: %s\n", p.LastModified)
		fmt.Printf("Characters:    %d\n", len(p.Memory.Characters))
		fmt.Printf("Locations:     %d\n", len(p.Memory.Locations))
		fmt.Printf("Plot points:   %d\n", len(p.Memory.PlotPoints))
		fmt.Printf("Manuscripts:   %d\n", len(p.Manuscripts))
		fmt.Printf("Gallery:       %d\n", len(p.Gallery))
		return nil
	},
}

var projectPushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Save a project from a JSON file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		in, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		a, err := newApp(ctx, "PushProject")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.PushProject(ctx, in)
		if err != nil {
			if scribe.IsTransportError(err) {
				fmt.Println("Store unreachable; the save is kept locally. Run 'scribe sync' later.")
			}
			return err
		}
		fmt.Printf("Saved project %s\n", report.ProjectID)
		printReport(report)
		return nil
	},
}

var projectPullCmd = &cobra.Command{
	Use:   "pull PROJECT_ID",
	Short: "Write a project as JSON to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "PullProject")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.PullProject(ctx, args[0], os.Stdout)
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete PROJECT_ID",
	Short: "Delete a project and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "DeleteProject")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteProject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted project %s\n", args[0])
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse and restore versions",
}

var historyListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List versions of a project part",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		target := targetFromFlags(cmd)
		versions, err := a.History(ctx, args[0], target)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Printf("No versions of %s.\n", target)
			return nil
		}
		for _, v := range versions {
			fmt.Printf("%s  %s  %s\n", v.ID, v.Timestamp, v.Note)
		}
		return nil
	},
}

var historySnapshotCmd = &cobra.Command{
	Use:   "snapshot PROJECT_ID",
	Short: "Record the current state of a project part",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		note, _ := cmd.Flags().GetString("note")

		a, err := newApp(ctx, "Snapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Snapshot(ctx, args[0], targetFromFlags(cmd), note)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("Nothing to snapshot.")
			return nil
		}
		fmt.Printf("Recorded version %s\n", rec.ID)
		return nil
	},
}

var historyRestoreCmd = &cobra.Command{
	Use:   "restore PROJECT_ID VERSION_ID",
	Short: "Restore a project part to a recorded version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		target := targetFromFlags(cmd)
		report, err := a.Restore(ctx, args[0], target, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s to %s\n", target, args[1])
		printReport(report)
		return nil
	},
}

// memory command
var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage story-world entities",
}

var memoryMergeCmd = &cobra.Command{
	Use:   "merge PROJECT_ID FILE",
	Short: "Merge characters, locations and plot points from JSON (- for stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		in, err := openInput(args[1])
		if err != nil {
			return err
		}
		defer in.Close()

		a, err := newApp(ctx, "MergeMemory")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.MergeMemory(ctx, args[0], in)
		if err != nil {
			return err
		}
		fmt.Printf("Added %d, updated %d, %d version(s) recorded\n",
			len(result.Added), len(result.Updated), len(result.Snapshots))
		return nil
	},
}

// gallery command
var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage gallery images",
}

var galleryAssignCmd = &cobra.Command{
	Use:   "assign PROJECT_ID GALLERY_ID KIND/ENTITY_ID",
	Short: "Give a gallery image to a character, location or plot point",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kind, id, ok := strings.Cut(args[2], "/")
		if !ok {
			return fmt.Errorf("target must be KIND/ENTITY_ID, e.g. characters/c1")
		}

		a, err := newApp(ctx, "AssignImage")
		if err != nil {
			return err
		}
		defer a.Close()

		target := scribe.EntityRef{Kind: kind, ID: id}
		if err := a.AssignImage(ctx, args[0], args[1], target); err != nil {
			return err
		}
		fmt.Printf("Assigned %s to %s\n", args[1], target)
		return nil
	},
}

var galleryFetchCmd = &cobra.Command{
	Use:   "fetch PROJECT_ID GALLERY_ID OUTPUT",
	Short: "Write a gallery image to a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "FetchImage")
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := os.Create(args[2])
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		mime, err := a.FetchImage(ctx, args[0], args[1], func() (string, error) {
			return readPassphrase("Vault passphrase: ")
		}, out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[2])
			return err
		}
		fmt.Printf("Wrote %s (%s)\n", args[2], mime)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage vault encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the vault key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "InitKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}
		if err := a.InitKeys(pass); err != nil {
			return err
		}

		if key, err := a.PublicKey(); err == nil {
			fmt.Printf("Public key: %s\n", key)
		}
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the image vault",
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "CheckVault")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckVault(ctx); err != nil {
			return err
		}
		fmt.Println("Vault OK")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push saves that could not reach the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pushed %d, skipped %d, failed %d\n", len(report.Pushed), len(report.Skipped), len(report.Failed))
		for id, ferr := range report.Failed {
			fmt.Printf("  %s: %v\n", id, ferr)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List saves waiting to be pushed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Pending")
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		for _, p := range pending {
			fmt.Printf("%s  %s  owner:%s\n", p.ProjectID, p.QueuedAt.Format("2006-01-02 15:04:05"), p.OwnerID)
		}
		return nil
	},
}

// ops command
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "View recorded operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(ctx, "Operations")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.Operations(ctx, limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-8s  %s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Message,
			)
		}
		return nil
	},
}

var journalBackupCmd = &cobra.Command{
	Use:   "backup-journal DEST",
	Short: "Copy the local journal to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupJournal")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupJournal(args[0]); err != nil {
			return err
		}
		fmt.Printf("Journal written to %s\n", args[0])
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// auth subcommands
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)

	// project subcommands
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectWatchCmd)
	projectCmd.AddCommand(projectNewCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectPushCmd)
	projectCmd.AddCommand(projectPullCmd)
	projectCmd.AddCommand(projectDeleteCmd)

	// history subcommands
	for _, c := range []*cobra.Command{historyListCmd, historySnapshotCmd, historyRestoreCmd} {
		c.Flags().StringP("collection", "c", "", "Collection of the entity (empty for project metadata)")
		c.Flags().StringP("entity", "e", "", "Entity ID")
		historyCmd.AddCommand(c)
	}
	historySnapshotCmd.Flags().StringP("note", "m", "", "Note stored with the version")

	memoryCmd.AddCommand(memoryMergeCmd)
	galleryCmd.AddCommand(galleryAssignCmd)
	galleryCmd.AddCommand(galleryFetchCmd)
	keysCmd.AddCommand(keysInitCmd)
	vaultCmd.AddCommand(vaultCheckCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(galleryCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(opsCmd)
	opsCmd.Flags().IntP("limit", "n", app.OperationLimit, "Maximum number of operations to show")
	rootCmd.AddCommand(journalBackupCmd)
	rootCmd.AddCommand(serveCmd)
}
