package logwriter

import (
	"io"
	"os"
	"sync"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
)

// LogWriter tees log output to a file and stdout. Stdout can be disabled
// while progress bars own the terminal, so log lines never tear the bars;
// everything still lands in the file.
type LogWriter struct {
	logFilePath string
	logFile     *os.File
	mutex       *sync.Mutex
	stdEnabled  bool
}

func New(logFilePath string) *LogWriter {
	return &LogWriter{
		logFilePath: logFilePath,
		mutex:       &sync.Mutex{},
		stdEnabled:  true,
	}
}

func (l *LogWriter) Reset() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stdEnabled = true
}

func (l *LogWriter) DisableStdout() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.stdEnabled = false
}

func (l *LogWriter) Write(p []byte) (n int, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	file := l.file()

	if l.stdEnabled {
		return io.MultiWriter(file, os.Stdout).Write(p)
	}
	return file.Write(p)
}

func (l *LogWriter) file() (result *os.File) {
	if l.logFile != nil {
		return l.logFile
	}

	var err error
	result, err = os.OpenFile(l.logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(errors.WithMessagev(err, "unable to open log file", l.logFilePath).Error())
	}

	l.logFile = result

	return
}
