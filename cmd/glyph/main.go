// Package main provides the CLI entrypoint for glyph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JohanCodinha/glyph/internal/actions"
	"github.com/JohanCodinha/glyph/internal/cache"
	"github.com/JohanCodinha/glyph/internal/config"
	"github.com/JohanCodinha/glyph/internal/gh"
	"github.com/JohanCodinha/glyph/internal/logger"
	"github.com/JohanCodinha/glyph/internal/sync"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "glyph",
	Short: "Local-first GitHub issue and pull request cache",
	Long: `glyph keeps a local SQLite cache of a repository's issues and pull
requests in sync with GitHub, cheaply polling with conditional requests
and resuming interrupted syncs at the last committed page.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <owner/repo>",
	Short: "Run one full sync cycle for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var pollCmd = &cobra.Command{
	Use:   "poll [owner/repo]",
	Short: "Poll configured repositories until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPoll,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached repositories and item counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo <owner/repo>",
	Short: "Add a repository to the poll configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddRepo,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Prune cold comment data and expired soft deletes",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

var commentCmd = &cobra.Command{
	Use:   "comment <owner/repo> <number> <body>",
	Short: "Add a comment to an issue or pull request",
	Args:  cobra.ExactArgs(3),
	RunE:  runComment,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "log file path")
	rootCmd.AddCommand(syncCmd, pollCmd, statusCmd, addRepoCmd, purgeCmd, commentCmd)
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	if cfg.LogFile != "" {
		logger.SetLogFile(cfg.LogFile)
	}
	return cfg, nil
}

func openStack(cfg *config.Config) (*cache.DB, *gh.Client, error) {
	token, err := gh.ResolveToken(cfg.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve token: %w (run 'gh auth login' or set GITHUB_TOKEN)", err)
	}
	db, err := cache.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	client := gh.New(token, gh.WithTimeout(cfg.RequestTimeout()))
	return db, client, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, client, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := sync.NewEngine(db, client, args[0], cfg.RetryAttempts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	outcome, err := engine.SyncItems(ctx)
	if err != nil {
		return err
	}
	if err := engine.SyncLabels(ctx); err != nil {
		logger.Warn("label sync failed: %v", err)
	}
	if err := engine.SyncAssignees(ctx); err != nil {
		logger.Warn("assignee sync failed: %v", err)
	}

	repoID, err := engine.EnsureRepository(ctx)
	if err != nil {
		return err
	}
	items, err := db.ListItems(repoID, cache.ItemFilter{})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d items cached\n", args[0], outcome, len(items))
	return nil
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	repos := cfg.Repositories
	if len(args) == 1 {
		repos = args
	}
	if len(repos) == 0 {
		return fmt.Errorf("no repositories configured; run 'glyph add-repo <owner/repo>'")
	}

	db, client, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, repo := range repos {
		engine, err := sync.NewEngine(db, client, repo, cfg.RetryAttempts)
		if err != nil {
			return err
		}
		poller := sync.NewPoller(engine, cfg.ItemPollInterval(), cfg.DetailPollInterval())
		go poller.Run(ctx)
		go func(repo string, events <-chan sync.Event) {
			for event := range events {
				logger.Info("poll: %s %s %s", repo, event.Resource, event.Outcome)
			}
		}(repo, poller.Events())
	}

	fmt.Printf("polling %d repositories, press Ctrl-C to stop\n", len(repos))
	<-ctx.Done()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := cache.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	repos, err := db.ListRepositories()
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Println("cache is empty")
		return nil
	}
	for _, repo := range repos {
		items, err := db.ListItems(repo.ID, cache.ItemFilter{})
		if err != nil {
			return err
		}
		open := 0
		pulls := 0
		for _, item := range items {
			if item.State == "open" {
				open++
			}
			if item.IsPullRequest {
				pulls++
			}
		}
		fmt.Printf("%s: %d items (%d open, %d pull requests)\n", repo.FullName(), len(items), open, pulls)
	}
	return nil
}

func runAddRepo(cmd *cobra.Command, args []string) error {
	if _, _, err := sync.ParseRepo(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, repo := range cfg.Repositories {
		if repo == args[0] {
			fmt.Printf("%s already configured\n", args[0])
			return nil
		}
	}
	cfg.Repositories = append(cfg.Repositories, args[0])
	if err := config.Save(cfg, configPath()); err != nil {
		return err
	}
	fmt.Printf("added %s\n", args[0])
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := cache.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	repos, err := db.ListRepositories()
	if err != nil {
		return err
	}
	var pruned int64
	for _, repo := range repos {
		n, err := db.PruneComments(repo.ID, cfg.CommentTTL(), cfg.CommentCacheCap)
		if err != nil {
			return err
		}
		pruned += n
	}
	purged, err := db.PurgeSoftDeleted(cfg.SoftDeleteAge())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d cold comments, purged %d soft-deleted rows\n", pruned, purged)
	return nil
}

func runComment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, client, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var number int64
	if _, err := fmt.Sscanf(args[1], "%d", &number); err != nil {
		return fmt.Errorf("invalid item number %q", args[1])
	}

	// The item must be cached before commenting on it.
	engine, err := sync.NewEngine(db, client, args[0], cfg.RetryAttempts)
	if err != nil {
		return err
	}
	if _, err := engine.SyncItems(cmd.Context()); err != nil {
		return err
	}

	coordinator, err := actions.NewCoordinator(db, client, args[0])
	if err != nil {
		return err
	}
	record, err := coordinator.AddComment(cmd.Context(), number, args[2])
	if err != nil {
		return err
	}
	fmt.Printf("comment added (%s)\n", record.Status)
	return nil
}
