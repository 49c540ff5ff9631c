package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/app"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/logwriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	appName            = "gitleaks-bulk"
	configFileName     = "." + appName
	configFileExt      = "yaml"
	configFileBasename = configFileName + "." + configFileExt
	logFileBasename    = appName + ".log"
)

var (
	rootCmd = &cobra.Command{
		Use: appName,
		Short: "Scan repositories for secrets in bulk across GitLab, Bitbucket, Bitbucket Cloud and GitHub.\n" +
			"Repo data is fetched once and cached on disk; use --updateinfo to refresh it.",
		Run: run,
	}
	cfgFile string
	vpr     *viper.Viper
	log     *logrus.Logger
)

func init() {
	cobra.OnInitialize(initConfig)

	log = initLogging()
	initArgs()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		errors.Fatal(logrus.NewEntry(log), errors.Wrap(err, "unable to execute application"))
	}
}

func run(*cobra.Command, []string) {
	logEntry := logrus.NewEntry(log)

	opts := &app.Options{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := vpr.Unmarshal(opts, decodeHook); err != nil {
		errors.Fatal(logEntry, errors.Wrap(err, "unable to parse configuration"))
	}

	configureLogging(log, opts.Verbose)

	// Logs tee to a file under the output dir; progress bars can switch
	// stdout off without losing lines.
	logWriter := logwriter.New(filepath.Join(opts.OutputDir, logFileBasename))
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		errors.Fatal(logEntry, errors.Wrapv(err, "unable to create output dir", opts.OutputDir))
	}
	log.SetOutput(logWriter)

	application, err := app.New(opts, logWriter, logEntry)
	if err != nil {
		logEntry.Error(err.Error())
		os.Exit(app.ExitConfigError)
	}

	exitCode, err := application.Run()
	if err != nil {
		logEntry.Error(err.Error())
	}
	os.Exit(exitCode)
}

func initArgs() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is $HOME/%s)", configFileBasename))

	// Backend selection (capital shorthands are reserved for backends)
	flags.BoolP("gitlab", "G", false, "use the GitLab backend")
	flags.BoolP("bitbucket_dc", "B", false, "use the Bitbucket Data Center backend")
	flags.BoolP("bitbucket_cloud", "C", false, "use the Bitbucket Cloud backend")
	flags.BoolP("github", "H", false, "use the GitHub backend")

	// Modes
	flags.Bool("updateinfo", false, "update repo/branch information from all backends")
	flags.Bool("executive_report", false, "do not clone/scan but generate an executive report")
	flags.BoolP("interactive", "i", false, "interactively pick a repo to clone/scan")

	// Filters
	flags.StringP("repofilter", "r", "", "repository name filter (regex), used after groupfilter")
	flags.StringP("groupfilter", "g", "", "group name filter (regex), used prior to repofilter")
	flags.StringP("group_repo_filter", "f", "",
		"group/repo name filter (regex), cannot be combined with --repofilter/--groupfilter")
	flags.String("rulesfilter", "", "rules filter (regex on rule IDs in the engine toml config)")

	// Clone/scan behavior
	flags.Bool("noscan", false, "do not scan repos with gitleaks")
	flags.Bool("defaultbranch", false, "scan the default branch instead of the most recently committed branch")
	flags.BoolP("force_scan", "S", false, "scan repos even if already scanned")
	flags.Bool("no_clone", false, "do not clone git repos")
	flags.Bool("no_clone_update", false, "do not update existing clones to their latest state")
	flags.Bool("keep_clones", false,
		"do not remove clones after scanning, useful for triaging (clones are never removed in interactive mode)")
	flags.Int("batch_size", 20, "batch size for cloning/scanning, 0 disables batching")
	flags.Int("worker_count", 5, "number of concurrent clone workers")
	flags.Duration("git_timeout", 10*time.Minute, "timeout per git clone/update operation, 0 disables")
	flags.Duration("scan_timeout", 15*time.Minute, "timeout per scan engine invocation, 0 disables")

	// Engine
	flags.Bool("no_redacting", false, "turn off secret redacting in reports")
	flags.String("gitleaks_image", "zricethezav/gitleaks:latest", "gitleaks docker image to use")
	flags.Bool("localgitleaks", false, "use the local gitleaks command instead of docker")
	flags.String("reports_format", "csv", "gitleaks report format (json, csv, junit, sarif)")
	flags.String("gitleaks_conf", "", "gitleaks config file (.toml) to use instead of the bundled defaults")

	// Output
	flags.String("output_folder", "output", "output directory for state, clones and reports")
	flags.BoolP("verbose", "v", false, "verbose output, no progress bars")
}

func initConfig() {
	vpr = viper.New()

	// Config file
	if cfgFile != "" {
		vpr.SetConfigFile(cfgFile)
	} else {
		touchConfigFile()
		vpr.AddConfigPath("$HOME")
		vpr.SetConfigName(configFileName)
	}
	vpr.SetConfigType(configFileExt)

	// Backend credentials come from the environment or the config file,
	// never from flags.
	credentialKeys := [][2]string{
		{"gitlab_url", "GITLAB_URL"},
		{"gitlab_token", "GITLAB_TOKEN"},
		{"bitbucket_url", "BITBUCKET_URL"},
		{"bitbucket_token", "BITBUCKET_TOKEN"},
		{"bitbucket_cloud_token", "BITBUCKET_CLOUD_TOKEN"},
		{"github_url", "GITHUB_URL"},
		{"github_token", "GITHUB_TOKEN"},
	}
	for _, key := range credentialKeys {
		vpr.SetDefault(key[0], "")
		if err := vpr.BindEnv(key[0], key[1]); err != nil {
			errors.Fatal(logrus.NewEntry(log), errors.Wrapv(err, "unable to bind env var", key[1]))
		}
	}

	// Bind cobra and viper together
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := vpr.BindPFlag(f.Name, f); err != nil {
			errors.Fatal(logrus.NewEntry(log), errors.Wrapv(err, "unable to bind flag", f.Name))
		}
	})

	if err := vpr.ReadInConfig(); err != nil {
		errors.Fatal(logrus.NewEntry(log), errors.Wrap(err, "unable to read config file"))
	}
}

func touchConfigFile() {
	hd, err := homedir.Dir()
	if err != nil {
		errors.Fatal(logrus.NewEntry(log), errors.Wrap(err, "unable to find home directory"))
	}
	configFile := filepath.Join(hd, configFileBasename)
	if _, err := os.Stat(configFile); err != nil && os.IsNotExist(err) {
		file, createErr := os.Create(configFile)
		if createErr != nil {
			errors.Fatal(logrus.NewEntry(log), errors.Wrapv(createErr, "unable to create config file", configFile))
		}
		file.Close()
	} else if err != nil {
		errors.Fatal(logrus.NewEntry(log), errors.Wrap(err, "unable to read config file"))
	}
}
