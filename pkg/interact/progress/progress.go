// Package progress renders terminal progress bars and spinners for the
// long phases (discovery, cloning, scanning). While a Progress is live it
// owns stdout; log lines keep flowing to the log file through LogWriter.
package progress

import (
	"github.com/vbauerster/mpb/v5"
)

type (
	Progress struct {
		uiProgress *mpb.Progress
		logWriter  LogWriter
	}
	LogWriter interface {
		Reset()
		DisableStdout()
	}
)

func New(logWriter LogWriter) *Progress {
	return &Progress{
		uiProgress: mpb.New(mpb.PopCompletedMode()),
		logWriter:  logWriter,
	}
}

func (p *Progress) AddBar(barName string, total int) *Bar {
	p.disableStdout()
	return newBar(p, barName, total)
}

func (p *Progress) AddSpinner(barName string) *Spinner {
	p.disableStdout()
	return newSpinner(p, barName)
}

func (p *Progress) Add(total int64, filler mpb.BarFiller, options ...mpb.BarOption) *mpb.Bar {
	return p.uiProgress.Add(total, filler, options...)
}

// BustThrough re-enables stdout for fnc, so messages that must reach the
// user (errors, prompts) are not swallowed while bars are live.
func (p *Progress) BustThrough(fnc func()) {
	if p.logWriter != nil {
		p.logWriter.Reset()
	}
	fnc()
	p.disableStdout()
}

func (p *Progress) Wait() {
	p.uiProgress.Wait()
	if p.logWriter != nil {
		p.logWriter.Reset()
	}
}

func (p *Progress) disableStdout() {
	if p.logWriter != nil {
		p.logWriter.DisableStdout()
	}
}
