package merge

import (
	"regexp"
	"strconv"
)

// ProgressParser extracts completion percentages from encoder stderr lines.
// Feed returns the current percentage and whether the line changed it.
type ProgressParser interface {
	Feed(line string) (percent float64, updated bool)
}

var (
	durationPattern = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2})\.(\d{2})`)
	timePattern     = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2})\.(\d{2})`)
)

// ffmpegProgressParser reads the source duration from the input banner, then
// converts each time= line into a percentage of that duration.
type ffmpegProgressParser struct {
	totalSeconds float64
}

// NewFFmpegProgressParser returns the stock parser for ffmpeg stderr output.
func NewFFmpegProgressParser() ProgressParser {
	return &ffmpegProgressParser{}
}

func (p *ffmpegProgressParser) Feed(line string) (float64, bool) {
	if p.totalSeconds == 0 {
		if m := durationPattern.FindStringSubmatch(line); m != nil {
			p.totalSeconds = clockToSeconds(m)
		}
		return 0, false
	}
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct := clockToSeconds(m) / p.totalSeconds * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func clockToSeconds(m []string) float64 {
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	cs, _ := strconv.Atoi(m[4])
	return float64(h)*3600 + float64(min)*60 + float64(s) + float64(cs)/100
}
