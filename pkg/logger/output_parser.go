package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 表示命令输出的头部和尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 解析命令输出，提取头部和尾部行
// maxLines: head 和 tail 各自的最大行数，默认 5
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}

	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return OutputLines{}
	}
	lines := strings.Split(output, "\n")
	total := len(lines)

	headCount := maxLines
	if headCount > total {
		headCount = total
	}
	head := append([]string(nil), lines[:headCount]...)

	// 行数不超过 maxLines 时 head 与 tail 相同
	var tail []string
	if total <= maxLines {
		tail = append([]string(nil), head...)
	} else {
		tail = append([]string(nil), lines[total-maxLines:]...)
	}
	return OutputLines{HeadLines: head, TailLines: tail, Total: total}
}

// FormatOutputLines 格式化输出行为字符串，用于日志记录
func FormatOutputLines(lines OutputLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 && !areSlicesEqual(lines.HeadLines, lines.TailLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

func areSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DebugCommandOutput 在 debug 级别记录命令输出的 head/tail-lines
func DebugCommandOutput(entry *logrus.Entry, command string, output string, maxLines int) {
	if entry == nil || !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		return
	}
	entry.WithField("lines", lines.Total).Debugf("command echo [%s]: %s", command, FormatOutputLines(lines))
}
