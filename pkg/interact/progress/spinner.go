package progress

import (
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

type Spinner struct {
	barName  string
	progress *Progress
	uiBar    *mpb.Bar
}

func newSpinner(progress *Progress, barName string) *Spinner {
	uiBar := progress.uiProgress.AddSpinner(int64(1), mpb.SpinnerOnLeft,
		mpb.BarNoPop(),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(barName, decor.WC{W: 30, C: decor.DidentRight}),
		),
	)

	return &Spinner{barName: barName, progress: progress, uiBar: uiBar}
}

func (s *Spinner) Incr() {
	s.uiBar.Increment()
}

func (s *Spinner) BustThrough(fnc func()) {
	s.progress.BustThrough(fnc)
}
