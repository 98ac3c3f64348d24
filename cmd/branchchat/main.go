package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/branchchat/cmd/branchchat/cmds"
	"github.com/go-go-golems/branchchat/cmd/branchchat/cmds/tui"
	"github.com/go-go-golems/branchchat/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:           "branchchat",
	Short:         "branchchat is a chat client with branching conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize now that --log-level and co are parsed
		if err := initConfig(); err != nil {
			return err
		}
		initLogger()
		return nil
	},
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}
	cobra.CheckErr(InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	}))
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}

	// text on a terminal, json otherwise
	var logWriter io.Writer = os.Stderr
	switch config.LogFormat {
	case "text":
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	case "json":
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
		}
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	if level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func initConfig() error {
	viper.SetEnvPrefix("branchchat")
	settings.SetDefaults(viper.GetViper())

	if configPath := viper.GetString("config"); configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(settings.DefaultDir())
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(xdgConfigPath, "branchchat"))
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return err
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default ~/.branchchat/config.yaml)")
	pf.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json), text on a terminal by default")
	pf.String("log-file", "", "Also log to this file")
	pf.Bool("with-caller", false, "Log caller")
	pf.Bool("verbose", false, "Verbose output")
	pf.String("backend", "", "Backend (server, openai)")
	pf.String("model", "", "Model for new conversations")
	cobra.CheckErr(viper.BindPFlags(pf))

	rootCmd.AddCommand(cmds.NewChatCommand(), tui.NewCommand())

	showCmd, err := cmds.NewShowCommand()
	cobra.CheckErr(err)
	exportCmd, err := cmds.NewExportCommand()
	cobra.CheckErr(err)
	importCmd, err := cmds.NewImportCommand()
	cobra.CheckErr(err)
	for _, c := range []glazed_cmds.WriterCommand{showCmd, exportCmd, importCmd} {
		cobraCmd, err := cli.BuildCobraCommandFromWriterCommand(c)
		cobra.CheckErr(err)
		rootCmd.AddCommand(cobraCmd)
	}

	tokensCmd, err := cmds.NewTokensCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(tokensCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
