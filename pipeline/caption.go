package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// buildCaption renders the post caption for one clip. Part numbering is
// 1-based so viewers can follow a series.
func buildCaption(videoName string, part, total int, speed float64, now time.Time) string {
	title := strings.TrimSuffix(videoName, filepath.Ext(videoName))

	var b strings.Builder
	fmt.Fprintf(&b, "🎬 Part %d/%d - %s\n\n", part, total, title)
	if speed != 1.0 {
		fmt.Fprintf(&b, "🔁 Speed: %gx\n", speed)
	}
	fmt.Fprintf(&b, "📅 %s\n\n", now.Format("2 January 2006"))
	b.WriteString("#reels #video #parts")
	return b.String()
}
