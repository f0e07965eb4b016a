package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"epub-translator/internal/config"
	"epub-translator/internal/lang"
	"epub-translator/internal/server"
	"epub-translator/internal/translation"
)

var (
	version = "1.0.0"
	logger  *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epub-translator",
	Short: "Translate EPUB books with OpenAI compatible language models",
	Long: `EPUB Translator extracts the text of an EPUB book, translates it segment by segment
with an OpenAI compatible API and writes a new EPUB with the layout, images and
stylesheets of the original. Run without a subcommand to start the web server.`,
	Run: runServer,
}

var translateCmd = &cobra.Command{
	Use:          "translate <input.epub>",
	Short:        "Translate an EPUB file",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runTranslate,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the web server",
	Run:   runServer,
}

var modelsCmd = &cobra.Command{
	Use:          "models",
	Short:        "List the models offered by the configured endpoint",
	SilenceUsage: true,
	RunE:         runModels,
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List supported target languages",
	Run: func(cmd *cobra.Command, args []string) {
		for _, code := range lang.Supported() {
			profile := lang.Resolve(code)
			fmt.Printf("%-4s %-14s %s\n", profile.Code, profile.Name, profile.Direction)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EPUB Translator v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Manage application configuration including viewing current settings and setting up API keys.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showConfig(cmd)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().IntP("port", "p", 8080, "Port to run the web server on")
	rootCmd.PersistentFlags().StringP("openai-key", "k", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("api-base", "", "Base URL of an OpenAI compatible API")
	rootCmd.PersistentFlags().String("output-dir", "output", "Output directory for translated EPUB files")
	rootCmd.PersistentFlags().StringP("temp-dir", "t", "tmp", "Temporary directory for processing files")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (default: config.json beside executable)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	translateCmd.Flags().StringP("output", "o", "", "Output EPUB path (default: <input>_translated.epub)")
	translateCmd.Flags().String("source", "", "Source language code, or auto")
	translateCmd.Flags().String("target", "", "Target language code")
	translateCmd.Flags().String("model", "", "Model identifier")
	translateCmd.Flags().String("prompt", "", "Custom system prompt; {target_language} is replaced by the language name")
	translateCmd.Flags().String("prompt-file", "", "Read the custom system prompt from a file")
	translateCmd.Flags().Int("max-failures", -1, "Abort when more segments than this fail (0 disables)")
	translateCmd.Flags().Float64("max-failure-ratio", -1, "Abort when this share of segments fails, 0 to 1 (0 disables)")
	translateCmd.Flags().Bool("force", false, "Allow the output path to replace the input file")

	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runServer(cmd *cobra.Command, _ []string) {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.App.TempDir, 0755); err != nil {
		logger.Fatalf("Failed to create temp directory: %v", err)
	}

	if err := os.MkdirAll(cfg.App.OutputDir, 0755); err != nil {
		logger.Fatalf("Failed to create output directory: %v", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	go func() {
		logger.Infof("🚀 Starting EPUB Translator server")
		logger.Infof("📡 Server running on port %d", cfg.Server.Port)
		logger.Infof("🤖 Model: %s via %s", cfg.OpenAI.Model, cfg.OpenAI.APIBase)
		logger.Infof("📁 Temp directory: %s", cfg.App.TempDir)
		logger.Infof("📤 Output directory: %s", cfg.App.OutputDir)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("✅ Server exited gracefully")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyTranslateFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := translation.NewOpenAIClient(cfg.OpenAI, logger)
	if err != nil {
		return err
	}
	service := translation.NewService(client, logger, translation.OptionsFromConfig(cfg.Translation))

	output, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	job := translation.Job{
		InputPath:      args[0],
		OutputPath:     output,
		SourceLang:     cfg.Translation.SourceLang,
		TargetLang:     cfg.Translation.TargetLang,
		CustomPrompt:   cfg.Translation.CustomPrompt,
		Model:          cfg.OpenAI.Model,
		AllowOverwrite: force,
	}

	logger.Infof("📖 Translating %s from %s to %s with %s",
		job.InputPath, lang.Name(job.SourceLang), lang.Name(job.TargetLang), job.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := &progressBar{}
	result, err := service.TranslateEPUB(ctx, job, translation.Callbacks{
		Total:    bar.setTotal,
		Progress: bar.advance,
		State: func(state translation.State) {
			logger.Debugf("Pipeline state: %s", state)
		},
	})
	bar.finish()
	if err != nil {
		return fmt.Errorf("translation failed: %w", err)
	}

	fmt.Printf("✅ Translation completed: %s\n", result.OutputPath)
	fmt.Printf("   Segments: %d translated, %d failed, %d total in %d documents\n",
		result.Translated, result.Failed, result.TotalSegments, result.Documents)
	if result.DetectedSourceLang != "" {
		fmt.Printf("   Detected source language: %s\n", lang.Name(result.DetectedSourceLang))
	}
	fmt.Printf("   Took %s\n", result.Duration.Round(time.Second))
	if result.Failed > 0 {
		fmt.Printf("⚠️  %d segments kept their original text\n", result.Failed)
	}
	return nil
}

func applyTranslateFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if v, _ := flags.GetString("source"); v != "" {
		cfg.Translation.SourceLang = v
	}
	if v, _ := flags.GetString("target"); v != "" {
		cfg.Translation.TargetLang = v
	}
	if v, _ := flags.GetString("model"); v != "" {
		cfg.OpenAI.Model = v
	}
	if v, _ := flags.GetString("prompt"); v != "" {
		cfg.Translation.CustomPrompt = v
	}
	if path, _ := flags.GetString("prompt-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		cfg.Translation.CustomPrompt = strings.TrimSpace(string(data))
	}
	if flags.Changed("max-failures") {
		cfg.Translation.MaxFailures, _ = flags.GetInt("max-failures")
	}
	if flags.Changed("max-failure-ratio") {
		cfg.Translation.MaxFailureRatio, _ = flags.GetFloat64("max-failure-ratio")
	}
	return nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := translation.NewOpenAIClient(cfg.OpenAI, logger)
	if err != nil {
		return err
	}

	timeout := cfg.OpenAI.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}

	for _, model := range models {
		marker := " "
		if model == client.Model() {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, model)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	logger.Debugf("Loading configuration from: %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
		logger.Debugf("Port overridden by flag: %d", cfg.Server.Port)
	}

	if apiKey, _ := flags.GetString("openai-key"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
		logger.Debug("OpenAI API key overridden by flag")
	}

	if apiBase, _ := flags.GetString("api-base"); apiBase != "" {
		cfg.OpenAI.APIBase = apiBase
		logger.Debugf("API base overridden by flag: %s", apiBase)
	}

	if flags.Changed("output-dir") {
		cfg.App.OutputDir, _ = flags.GetString("output-dir")
		logger.Debugf("Output directory overridden by flag: %s", cfg.App.OutputDir)
	}

	if flags.Changed("temp-dir") {
		cfg.App.TempDir, _ = flags.GetString("temp-dir")
		logger.Debugf("Temp directory overridden by flag: %s", cfg.App.TempDir)
	}

	return cfg, nil
}

func setupLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func showConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("📋 EPUB Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("ℹ️  Configuration file does not exist, showing defaults and environment\n")
		fmt.Printf("💡 Run 'epub-translator config init' to create one\n\n")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		return
	}

	apiKey := "❌ Not set"
	if cfg.OpenAI.APIKey != "" {
		apiKey = config.MaskKey(cfg.OpenAI.APIKey)
	}
	prompt := "(default)"
	if cfg.Translation.CustomPrompt != "" {
		prompt = cfg.Translation.CustomPrompt
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printSection(w, "Server", [][2]string{
		{"Port", strconv.Itoa(cfg.Server.Port)},
		{"Read timeout", cfg.Server.ReadTimeout.String()},
		{"Write timeout", cfg.Server.WriteTimeout.String()},
	})
	printSection(w, "OpenAI", [][2]string{
		{"API key", apiKey},
		{"API base", cfg.OpenAI.APIBase},
		{"Model", cfg.OpenAI.Model},
		{"Max tokens", strconv.Itoa(cfg.OpenAI.MaxTokens)},
		{"Temperature", fmt.Sprintf("%.1f", cfg.OpenAI.Temperature)},
		{"Request timeout", cfg.OpenAI.RequestTimeout.String()},
	})
	printSection(w, "Translation", [][2]string{
		{"Source language", cfg.Translation.SourceLang},
		{"Target language", fmt.Sprintf("%s (%s)", cfg.Translation.TargetLang, lang.Name(cfg.Translation.TargetLang))},
		{"Prompt", prompt},
		{"Max retries", strconv.Itoa(cfg.Translation.MaxRetries)},
		{"Retry delay", cfg.Translation.RetryDelay.String()},
		{"Max failures", strconv.Itoa(cfg.Translation.MaxFailures)},
		{"Max failure ratio", fmt.Sprintf("%.2f", cfg.Translation.MaxFailureRatio)},
		{"Title suffix", strconv.Quote(cfg.Translation.TitleSuffix)},
	})
	printSection(w, "Application", [][2]string{
		{"Temp directory", cfg.App.TempDir},
		{"Output directory", cfg.App.OutputDir},
	})
	_ = w.Flush()

	var cfgErr *config.ConfigurationError
	if err := cfg.Validate(); errors.As(err, &cfgErr) {
		fmt.Printf("⚠️  %v\n", cfgErr)
	}
}

func printSection(w *tabwriter.Writer, title string, rows [][2]string) {
	fmt.Fprintf(w, "%s:\n", title)
	for _, row := range rows {
		fmt.Fprintf(w, "  %s\t%s\n", row[0], row[1])
	}
	fmt.Fprintln(w)
}

func initConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("🔧 Initializing EPUB Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("⚠️  Configuration file already exists\n")
		return
	}

	if _, err := config.Init(configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Printf("❌ Failed to initialize configuration: %v\n", err)
		return
	}

	fmt.Printf("\n✅ Configuration initialized successfully!\n")
	fmt.Printf("💡 Run 'epub-translator translate book.epub --target zh' to translate a book\n")
	fmt.Printf("📋 Use 'epub-translator config show' to view your configuration\n")
}
