package inference

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProgressBar renders a single-line sampling progress display. Diffusion
// runs are slow enough that a silent pass looks hung.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
}

// NewProgressBar creates a progress bar over total batches, rendering
// to stderr so piped output stays clean.
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         os.Stderr,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
	}
}

// Add advances the bar by n batches and redraws it.
func (pb *ProgressBar) Add(n int) {
	pb.current += n
	if pb.current > pb.total {
		pb.current = pb.total
	}
	pb.render()
}

// Finish fills the bar and terminates the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	if pb.total <= 0 {
		return
	}
	fraction := float64(pb.current) / float64(pb.total)

	filled := int(fraction * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s",
		pb.description, fraction*100, bar, pb.current, pb.total, formatDuration(elapsed))

	if pb.current > 0 && pb.current < pb.total {
		eta := time.Duration(float64(elapsed)/fraction) - elapsed
		line += "<" + formatDuration(eta)
	} else {
		line += "<00:00"
	}
	if rate := float64(pb.current) / elapsed.Seconds(); rate > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration renders a duration as MM:SS.
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
