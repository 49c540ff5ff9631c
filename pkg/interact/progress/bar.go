package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

type Bar struct {
	barName  string
	progress *Progress
	uiBar    *mpb.Bar
	mutex    *sync.Mutex
}

func newBar(progress *Progress, barName string, total int) *Bar {
	uiBar := progress.uiProgress.AddBar(int64(total),
		mpb.BarNoPop(),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(barName, decor.WC{W: 50, C: decor.DidentRight}),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d / %d"),
		),
	)

	return &Bar{
		barName:  barName,
		progress: progress,
		uiBar:    uiBar,
		mutex:    &sync.Mutex{},
	}
}

func (b *Bar) Incr() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.progress.disableStdout()
	b.uiBar.Increment()
}

// Finished replaces the bar with a one-line done message.
func (b *Bar) Finished(message string) {
	b.progress.Add(0, mpb.BarFillerFunc(func(writer io.Writer, width int, st *decor.Statistics) {
		_, _ = fmt.Fprintf(writer, "- %s: %s", b.barName, message)
	})).SetTotal(0, true)
}

func (b *Bar) BustThrough(fnc func()) {
	b.progress.BustThrough(fnc)
}
