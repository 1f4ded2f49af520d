package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/airadar"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func getenv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("Missing required environment variable: %s", key)
	}
	return value
}

func main() {
	// Load .env file; in CI the variables come from the environment
	if err := godotenv.Load(); err != nil {
		log.Warn("no .env file loaded", "err", err)
	}

	// Set configuration for the airadar package
	airadar.Config.DashScopeAPIKey = getenv("DASHSCOPE_API_KEY")
	airadar.Config.ApifyToken = os.Getenv("APIFY_TOKEN")
	airadar.Config.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	airadar.Config.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	airadar.Config.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")
	airadar.Config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	airadar.Config.DataDir = os.Getenv("AIRADAR_DATA_DIR")
	airadar.Config.ConfigDir = os.Getenv("AIRADAR_CONFIG_DIR")
	airadar.Config.DocsDir = os.Getenv("AIRADAR_DOCS_DIR")
	airadar.Config.SiteURL = os.Getenv("AIRADAR_SITE_URL")

	rootCmd := &cobra.Command{
		Use:   "airadar",
		Short: "Daily AI news radar: collect, cluster, summarise and push",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			airadar.SetupLogging(debug)
		},
	}
	rootCmd.PersistentFlags().String("date", "", "report date as YYYY-MM-DD (default today, UTC)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	// Add all commands from the airadar package
	rootCmd.AddCommand(airadar.CollectItemsCmd)
	rootCmd.AddCommand(airadar.EmbedItemsCmd)
	rootCmd.AddCommand(airadar.ClusterItemsCmd)
	rootCmd.AddCommand(airadar.BuildEventsCmd)
	rootCmd.AddCommand(airadar.RankEventsCmd)
	rootCmd.AddCommand(airadar.GenerateReportCmd)
	rootCmd.AddCommand(airadar.GenerateHTMLCmd)
	rootCmd.AddCommand(airadar.PushReportCmd)
	rootCmd.AddCommand(airadar.UploadSiteCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [pipeline...]",
	Short: "Run the full pipelines: global_ai -> china_ai -> trending",
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := airadar.LoadConfiguredSettings()
		if err != nil {
			log.Fatal("failed to load settings", "err", err)
		}
		date, err := airadar.RunDate(cmd)
		if err != nil {
			log.Fatal("invalid date", "err", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := airadar.RunPipelines(ctx, settings, args, date); err != nil {
			log.Error("run finished with errors", "err", err)
			stop()
			os.Exit(1)
		}
		log.Info("all pipelines complete")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all pipelines on the configured daily schedule",
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := airadar.LoadConfiguredSettings()
		if err != nil {
			log.Fatal("failed to load settings", "err", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := airadar.Serve(ctx, settings); err != nil {
			log.Error("scheduler failed", "err", err)
		}
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove raw, embedded, cluster and ranked artefacts",
	Run: func(cmd *cobra.Command, args []string) {
		if err := airadar.CleanArtefacts(); err != nil {
			log.Error("clean failed", "err", err)
		}
	},
}
