package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absfs/vaultfs/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	rootCmd *cobra.Command
)

func main() {
	v := viper.New()

	rootCmd = &cobra.Command{
		Use:           "vaultctl",
		Short:         "vaultctl manages encrypted vaults",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "completion" {
				return nil
			}
			loaded, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = newLogger(cfg.Log)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.vaultctl/config.yaml)")
	flags.String("backend", "", "backend type: disk, memory, s3 or sql")
	flags.String("path", "", "vault directory for the disk backend")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	v.BindPFlag("backend.type", flags.Lookup("backend")) //nolint:errcheck
	v.BindPFlag("backend.path", flags.Lookup("path"))    //nolint:errcheck
	v.BindPFlag("log.level", flags.Lookup("log-level"))  //nolint:errcheck

	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(headerCmd())
	rootCmd.AddCommand(mkdirCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(statCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(mvCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(rotateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func newLogger(lc config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if lc.JSON {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(os.Stdout)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			default:
				return rootCmd.GenPowerShellCompletion(os.Stdout)
			}
		},
	}
}
