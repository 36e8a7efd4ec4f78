// Command smile validates technical tutorials by simulating a constrained
// learner inside an isolated environment.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smilelab/smile/internal/config"
	"github.com/smilelab/smile/internal/logging"
	"github.com/smilelab/smile/internal/supervisor"
)

var (
	cfgFile   string
	outputDir string
	verbose   bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smile TUTORIAL",
		Short: "smile validates tutorials with a simulated learner",
		Long: "smile runs a Student agent through a tutorial inside an isolated environment,\n" +
			"consulting a Mentor agent when it gets stuck, and reports the gaps it finds.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, args[0])
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "smile.json", "config file path")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "report output directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = viper.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	_ = godotenv.Load()

	cmd := rootCmd()
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		logging.Init(verbose)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if supervisor.IsPrerequisite(err) {
			return supervisor.ExitPrerequisite
		}
		return supervisor.ExitError
	}
	return exitCode
}

// exitCode carries the terminal status out of RunE, which can only return
// an error.
var exitCode int

func runLoop(cmd *cobra.Command, tutorialPath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg.Tutorial = tutorialPath
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	applyEnvOverrides(&cfg)

	sup := &supervisor.Supervisor{
		Config:       cfg,
		TutorialPath: tutorialPath,
	}
	if keep, ok := keepEnvOverride(); ok {
		sup.KeepEnvOverride = &keep
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("tutorial", tutorialPath).Msg("validation run starting")
	status, err := sup.Run(ctx)
	if err != nil {
		return err
	}
	exitCode = supervisor.ExitCode(status)
	return nil
}

// applyEnvOverrides folds the optional environment variables into the
// configuration: SMILE_PORT and SMILE_STATE_DIR.
func applyEnvOverrides(cfg *config.Config) {
	if port := os.Getenv("SMILE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		} else {
			log.Warn().Str("value", port).Msg("ignoring invalid SMILE_PORT")
		}
	}
	if dir := os.Getenv("SMILE_STATE_DIR"); dir != "" {
		cfg.StateFile = filepath.Join(dir, "state.json")
	}
}

func keepEnvOverride() (bool, bool) {
	raw := strings.TrimSpace(os.Getenv("SMILE_KEEP_CONTAINER"))
	if raw == "" {
		return false, false
	}
	keep, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("value", raw).Msg("ignoring invalid SMILE_KEEP_CONTAINER")
		return false, false
	}
	return keep, true
}
