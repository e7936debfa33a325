package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fighter4/ChartSight/internal/di"
	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/pkg/config"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chartsight",
	Short:         "Chart image analysis service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background consumers",
	RunE:  runServe,
}

var analyzeFlags struct {
	images     []string
	timeframes []string
	pipeline   string
	style      string
	question   string
	annotate   bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze chart images once and print the result as JSON",
	Example: `  chartsight analyze --image chart.png --pipeline debate --style "Swing Trader"
  chartsight analyze --pipeline multi-timeframe --image d1.png --image h4.png --timeframe 1D --timeframe 4H`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (defaults only when empty)")

	f := analyzeCmd.Flags()
	f.StringArrayVar(&analyzeFlags.images, "image", nil, "chart image: file path, URL, data URI or azblob://container/blob (repeatable)")
	f.StringArrayVar(&analyzeFlags.timeframes, "timeframe", nil, "timeframe label per image, highest first (repeatable)")
	f.StringVar(&analyzeFlags.pipeline, "pipeline", string(models.PipelineChained), "single, chained, debate or multi-timeframe")
	f.StringVar(&analyzeFlags.style, "style", "", "trading style, e.g. \"Day Trader\"")
	f.StringVar(&analyzeFlags.question, "question", "", "optional question to focus the analysis")
	f.BoolVar(&analyzeFlags.annotate, "annotate", false, "draw the plan onto the chart")
	_ = analyzeCmd.MarkFlagRequired("image")

	rootCmd.AddCommand(serveCmd, analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization failed: %w", err)
	}

	// Run application (blocks until signal)
	return app.Run()
}

// oneShot narrows a server config to a single in-process analysis. Nothing
// is consumed, queued or persisted beyond the run.
func oneShot(cfg *config.Config) {
	cfg.Kafka.Consumer.Enabled = false
	cfg.RateLimit.Enabled = false
	cfg.Queue.Enabled = false
	cfg.Storage.Backend = "memory"
	cfg.Logging.Output = "stderr"
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	kind := models.PipelineKind(analyzeFlags.pipeline)
	if !kind.IsValid() {
		return fmt.Errorf("unknown pipeline %q", analyzeFlags.pipeline)
	}
	style := models.TradingStyle(analyzeFlags.style)
	if style != "" && !style.IsValid() {
		return fmt.Errorf("unknown trading style %q", analyzeFlags.style)
	}

	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	oneShot(cfg)

	req := &models.AnalysisRequest{
		Pipeline:     kind,
		TradingStyle: style,
		Question:     analyzeFlags.question,
		Annotate:     analyzeFlags.annotate,
	}
	for _, img := range analyzeFlags.images {
		ref, err := imageRef(img)
		if err != nil {
			return err
		}
		req.Images = append(req.Images, ref)
	}
	for _, tf := range analyzeFlags.timeframes {
		req.Timeframes = append(req.Timeframes, models.NormalizeTimeframe(tf))
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization failed: %w", err)
	}
	if err := app.StartWorkers(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = app.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := app.Analyzer().Analyze(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "analysis %s finished in %s\n", res.ID, time.Since(start).Round(time.Millisecond))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// imageRef turns a local file into a data URI and passes anything else through.
func imageRef(s string) (models.ImageRef, error) {
	ref := models.ImageRef(s)
	if ref.IsDataURI() || ref.IsRemote() {
		return ref, nil
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := mimetype.Detect(b).String()
	return models.ImageRef("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b)), nil
}
