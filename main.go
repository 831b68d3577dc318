package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aktagon/article-archiver/internal/logger"
	"github.com/aktagon/article-archiver/internal/urlset"
)

var (
	configFile string
	debugMode  bool
	runOpts    RunOptions
	listFile   string
)

var rootCmd = &cobra.Command{
	Use:   "article-archiver",
	Short: "Archive WeChat articles as HTML and Markdown",
	Long: `Crawls a list of WeChat article URLs through a running Chrome, extracts
each article into its own directory (raw.html, article.html, article.md,
assets/) and tracks progress in a resumable manifest.json.`,
	SilenceUsage: true,
}

var crawlCmd = &cobra.Command{
	Use:   "crawl [url | url-list-file]",
	Short: "Crawl articles, resuming from the manifest when no source is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		return withProcessor(cmd, true, func(ctx context.Context, p *ArticleProcessor) error {
			_, err := p.Crawl(ctx, source, runOpts)
			return err
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed articles to pending and crawl them again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, true, func(ctx context.Context, p *ArticleProcessor) error {
			_, err := p.Retry(ctx, runOpts)
			return err
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show manifest status, errors and disk usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, false, func(_ context.Context, p *ArticleProcessor) error {
			return p.Stats()
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [article.md [assets-dir]]",
	Short: "Publish archived articles as Feishu documents",
	Long: `Without arguments, uploads every extracted article in the output directory
that has no feishu_url yet and records the document URL in the manifest.
With a Markdown file, uploads just that file.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(cmd, false, func(ctx context.Context, p *ArticleProcessor) error {
			if len(args) == 0 {
				_, err := p.Upload(ctx)
				return err
			}
			assets := ""
			if len(args) == 2 {
				assets = args[1]
			}
			_, err := p.UploadFile(ctx, args[0], assets)
			return err
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Append a URL to a URL list file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := urlset.Append(listFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Added %s to %s\n", args[0], listFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to settings file (default settings.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&runOpts.OutputDir, "output", "o", "", "Output directory")

	for _, cmd := range []*cobra.Command{crawlCmd, retryCmd} {
		cmd.Flags().StringVar(&runOpts.CDPPort, "cdp-port", "", "Chrome remote debugging port")
		cmd.Flags().StringVar(&runOpts.Delay, "delay", "", `Delay between articles in seconds, "min-max" or "n"`)
		cmd.Flags().BoolVar(&runOpts.NoImages, "no-images", false, "Keep remote image URLs")
	}
	crawlCmd.Flags().IntVar(&runOpts.Limit, "limit", 0, "Process at most this many articles")
	crawlCmd.Flags().BoolVar(&runOpts.Force, "force", false, "Re-process articles that are already done")

	addCmd.Flags().StringVar(&listFile, "file", "urls.txt", "URL list file")

	rootCmd.AddCommand(crawlCmd, retryCmd, statsCmd, uploadCmd, addCmd)
}

// withProcessor loads settings, builds a logger and runs fn with an
// ArticleProcessor under a context cancelled on SIGINT/SIGTERM
func withProcessor(cmd *cobra.Command, crawling bool, fn func(ctx context.Context, p *ArticleProcessor) error) error {
	var (
		settings *Settings
		err      error
	)
	if configFile != "" {
		settings, err = loadSettingsRequired(configFile)
	} else {
		settings, err = loadSettings(defaultSettingsPath)
	}
	if err != nil {
		return err
	}

	opts := RunOptions{OutputDir: runOpts.OutputDir}
	if crawling {
		opts = runOpts
	}
	if err := opts.apply(settings); err != nil {
		return err
	}

	log, err := logger.New(settings.loggerConfig(debugMode))
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, NewArticleProcessor(settings, log))
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
