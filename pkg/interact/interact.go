// Package interact owns everything that talks to a human terminal:
// progress rendering and the interactive repo picker. When disabled (CI,
// piped output) every entry point degrades to a no-op so callers never
// branch on interactivity themselves.
package interact

import (
	"github.com/pantheon-systems/gitleaks-bulk/pkg/interact/progress"
	"github.com/pantheon-systems/gitleaks-bulk/pkg/logwriter"
)

type Interact struct {
	Enabled   bool
	logWriter *logwriter.LogWriter
}

func New(enabled bool, logWriter *logwriter.LogWriter) *Interact {
	return &Interact{
		Enabled:   enabled,
		logWriter: logWriter,
	}
}

func (f *Interact) NewProgress() *progress.Progress {
	if !f.Enabled {
		return nil
	}
	return progress.New(f.logWriter)
}

// SpinWhile shows a spinner for the duration of fnc.
func (f *Interact) SpinWhile(message string, fnc func()) {
	prog := f.NewProgress()
	if prog == nil {
		fnc()
		return
	}

	spinner := prog.AddSpinner(message)
	fnc()
	spinner.Incr()
	prog.Wait()
}
