package scan

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/otiai10/copy"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/manip"
	"github.com/sirupsen/logrus"
)

// Default engine rule files, seeded into the working dir from the bundled
// templates when absent.
const (
	DefaultConfigFile       = "gitleaks.toml"
	DefaultCustomConfigFile = "gitleaks-custom.toml"
	templatePrefix          = "template_"
)

type (
	rulesConfig struct {
		Rules  []ruleEntry `toml:"rules"`
		Extend extendEntry `toml:"extend"`
	}
	ruleEntry struct {
		ID string `toml:"id"`
	}
	extendEntry struct {
		DisabledRules []string `toml:"disabledRules"`
	}
)

// ResolveConfigs returns the rule config files for this run. A custom file
// must exist; otherwise the bundled defaults are seeded next to the
// executable's templates and used.
func ResolveConfigs(customFile string, log *logrus.Entry) (files []string, scanConfig string, err error) {
	if customFile != "" {
		if _, statErr := os.Stat(customFile); os.IsNotExist(statErr) {
			err = errors.Errorv("engine config file does not exist", customFile)
			return
		}
		files = []string{customFile}
		scanConfig = customFile
		return
	}

	if err = seedDefaultConfigs(log); err != nil {
		return
	}
	files = []string{DefaultConfigFile, DefaultCustomConfigFile}
	scanConfig = DefaultCustomConfigFile
	return
}

// AllowedRuleIDs extracts rule IDs matching the filter from the config
// files, minus any rules the configs disable. A nil filter means no rule
// selection is passed to the engine.
func AllowedRuleIDs(configFiles []string, pattern *regexp.Regexp) (result []string, err error) {
	if pattern == nil {
		return
	}

	var disabled []string
	for _, file := range configFiles {
		var cfg rulesConfig
		if _, err = toml.DecodeFile(file, &cfg); err != nil {
			err = errors.Wrapv(err, "unable to parse engine config", file)
			return
		}

		for _, rule := range cfg.Rules {
			if pattern.MatchString(rule.ID) {
				result = append(result, rule.ID)
			}
		}
		disabled = append(disabled, cfg.Extend.DisabledRules...)
	}

	filtered := result[:0]
	for _, id := range result {
		if !manip.StringsContain(disabled, id) {
			filtered = append(filtered, id)
		}
	}
	result = filtered

	if len(result) == 0 {
		err = errors.Errorv("rules filter matched no rule ids", pattern.String())
	}

	return
}

func seedDefaultConfigs(log *logrus.Entry) (err error) {
	exe, err := os.Executable()
	if err != nil {
		err = errors.Wrap(err, "unable to locate executable")
		return
	}
	templateDir := filepath.Dir(exe)

	for _, file := range []string{DefaultConfigFile, DefaultCustomConfigFile} {
		if _, statErr := os.Stat(file); statErr == nil {
			continue
		}
		template := filepath.Join(templateDir, templatePrefix+file)
		log.WithField("file", file).Debug("seeding default engine config")
		if err = copy.Copy(template, file); err != nil {
			err = errors.Wrapv(err, "unable to seed default engine config", template, file)
			return
		}
	}

	return
}
