package session

import (
	"strings"

	"github.com/sshcollectorpro/clisession/internal/util"
)

// sanitize 移除 ANSI 转义序列与不可见控制符（保留换行、回车与制表符）
func sanitize(s string) string {
	b := make([]byte, 0, len(s))
	skip := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if skip {
			// CSI 序列以字母结尾
			if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
				skip = false
			}
			continue
		}
		if ch == 0x1b {
			skip = true
			continue
		}
		if ch == '\b' {
			if len(b) > 0 {
				b = b[:len(b)-1]
			}
			continue
		}
		if ch < 0x20 && ch != '\t' && ch != '\n' && ch != '\r' {
			continue
		}
		b = append(b, ch)
	}
	return string(b)
}

// decode 将原始字节转为规范文本：UTF-8 修复、去控制符、统一换行，
// 行内回车按终端覆盖语义保留最后一段非空内容
func decode(raw []byte) string {
	text := sanitize(util.EnsureUTF8Bytes(raw))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if !strings.Contains(text, "\r") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "\r") {
			continue
		}
		segs := strings.Split(line, "\r")
		kept := ""
		for j := len(segs) - 1; j >= 0; j-- {
			if strings.TrimSpace(segs[j]) != "" {
				kept = segs[j]
				break
			}
		}
		lines[i] = kept
	}
	return strings.Join(lines, "\n")
}

// splitTail 返回最后一个换行之后的未完成行（提示符不以换行结束）
func splitTail(text string) string {
	if i := strings.LastIndex(text, "\n"); i >= 0 {
		return text[i+1:]
	}
	return text
}
