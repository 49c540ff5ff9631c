package cmd

import (
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/sirupsen/logrus"
)

func initLogging() (result *logrus.Logger) {
	result = logrus.New()
	result.SetFormatter(&prefixed.TextFormatter{ForceFormatting: true})
	result.SetLevel(logrus.InfoLevel)
	return
}

func configureLogging(log *logrus.Logger, verbose bool) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
}
