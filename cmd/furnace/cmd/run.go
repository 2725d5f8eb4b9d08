package cmd

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"furnace/internal/config"
	"furnace/internal/logger"
	"furnace/internal/observability"
	"furnace/internal/orchestrator"
	"furnace/internal/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run [config.yaml]",
	Short: "Run the coordination container and all eval instances of an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		viper.BindPFlag("log_dir", cmd.Flags().Lookup("log-dir"))
		viper.BindPFlag("yes", cmd.Flags().Lookup("yes"))
		viper.BindPFlag("keep-coordinator", cmd.Flags().Lookup("keep-coordinator"))

		level := slog.LevelInfo
		if viper.GetBool("debug") {
			level = slog.LevelDebug
		}
		log := logger.NewText(level)

		spec, err := config.Load(args[0], configPassword(cmd))
		if err != nil {
			return err
		}
		if dir := viper.GetString("log_dir"); dir != "" {
			spec.LogDir = dir
		}

		runID := uuid.NewString()
		ctx := logger.WithRunID(cmd.Context(), runID)
		log = logger.FromContext(ctx, log)

		var metrics *observability.Metrics
		if spec.MetricsAddr != "" {
			handler, shutdown, err := observability.InitMetrics()
			if err != nil {
				return err
			}
			defer shutdown(context.Background())
			metrics, err = observability.NewMetrics()
			if err != nil {
				return err
			}
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", handler)
				if err := http.ListenAndServe(spec.MetricsAddr, mux); err != nil {
					log.Error("metrics endpoint failed", "addr", spec.MetricsAddr, "error", err)
				}
			}()
		}

		if spec.OTELEndpoint != "" {
			shutdown, err := observability.InitTracer(ctx, "furnace", spec.OTELEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(shutdownCtx)
			}()
		}

		client, err := runtime.NewDockerClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		interrupts := orchestrator.NewInterruptController(log)
		interrupts.Watch(ctx, syscall.SIGINT, syscall.SIGTERM)

		sched := orchestrator.NewScheduler(client, spec, interrupts, metrics, log, orchestrator.SchedulerConfig{
			RunID: runID,
		})
		if err := sched.Run(ctx); err != nil {
			return err
		}

		if viper.GetBool("keep-coordinator") {
			cmd.Println("Leaving coordination container and network in place.")
			return nil
		}
		if viper.GetBool("yes") || confirm(cmd, "Stop and remove coordination container and network? [y/N]: ") {
			return sched.TeardownCoordinator(ctx)
		}
		cmd.Println("Leaving coordination container and network in place.")
		return nil
	},
}

func confirm(cmd *cobra.Command, prompt string) bool {
	cmd.Print(prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("log-dir", "", "directory for per-instance log files (overrides log_dir in the config)")
	runCmd.Flags().BoolP("yes", "y", false, "tear down the coordination container without asking")
	runCmd.Flags().Bool("keep-coordinator", false, "leave the coordination container and network in place")
}
