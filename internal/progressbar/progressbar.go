package progressbar

import (
	"fmt"
	"os"

	progressbar "gopkg.in/cheggaaa/pb.v1"
)

// Bar is a no-op unless it was started with show=true, so callers never branch on it.
type Bar struct {
	pb   *progressbar.ProgressBar
	show bool
}

func start(total int64, prefix string) *progressbar.ProgressBar {
	pb := progressbar.New64(total)
	pb.Output = os.Stderr
	if prefix != "" {
		pb.Prefix(prefix)
	}
	return pb.Start()
}

func StartNewByteBar(show bool, total int64) *Bar {
	if show && total > 0 {
		return &Bar{
			show: true,
			pb:   start(total, "").SetUnits(progressbar.U_BYTES),
		}
	}
	return &Bar{show: false}
}

// StartNewBar counts discrete items, labelled with prefix.
func StartNewBar(show bool, total int, prefix string) *Bar {
	if show && total > 0 {
		return &Bar{
			show: true,
			pb:   start(int64(total), prefix),
		}
	}
	return &Bar{show: false}
}

func (b *Bar) Finish() {
	if b.show {
		b.pb.Finish()
		fmt.Fprint(os.Stderr, "\033[A") // move the cursor up
	}
}

func (b *Bar) Add64(add int64) {
	if b.show {
		b.pb.Add64(add)
	}
}

func (b *Bar) Increment() {
	if b.show {
		b.pb.Increment()
	}
}
