package convert

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter receives a tile count as a conversion streams tiles
// through the writer, letting the CLI show a bar while library callers
// and tests default to a no-op.
type ProgressWriter interface {
	Add(n int) error
}

type noopProgress struct{}

func (noopProgress) Add(int) error { return nil }

// barProgress adapts *progressbar.ProgressBar to ProgressWriter.
type barProgress struct {
	bar *progressbar.ProgressBar
}

// NewBarProgress returns a terminal progress bar over total tiles,
// writing to stderr so it doesn't interleave with piped stdout output.
func NewBarProgress(total int64, description string) ProgressWriter {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	)
	return &barProgress{bar: bar}
}

func (b *barProgress) Add(n int) error { return b.bar.Add(n) }
