package service

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/answer-stream/internal/config"
	"github.com/capitalize-ai/answer-stream/internal/model"
)

// Narration length buckets by target duration in seconds.
const (
	shortNarrationS  = 30
	mediumNarrationS = 90
)

// augmentQuestion appends at most one directive block to the question. An
// enabled guide wins over the configured answer constraints.
func augmentQuestion(question string, g model.Guide, p config.Policy) string {
	var directive string
	switch {
	case g.Enabled:
		directive = guideDirective(g, p.Guide)
	case p.Constraints.NoSelfIntro || p.Constraints.MaxAnswerChars > 0:
		directive = constraintDirective(p.Constraints)
	}
	if directive == "" {
		return question
	}
	return question + "\n\n" + directive
}

func guideDirective(g model.Guide, defaults config.GuideConfig) string {
	style := strings.TrimSpace(g.Style)
	if style == "" {
		style = defaults.Style
	}
	duration := g.DurationS
	if duration <= 0 {
		duration = defaults.DurationS
	}

	var b strings.Builder
	b.WriteString("【讲解要求】\n")
	if style != "" {
		fmt.Fprintf(&b, "风格：%s\n", style)
	}
	if duration > 0 {
		fmt.Fprintf(&b, "篇幅：%s（约%d秒）\n", durationBucket(duration), int(duration+0.5))
	}
	if stop := strings.TrimSpace(g.StopName); stop != "" {
		fmt.Fprintf(&b, "当前展位：%s\n", stop)
	}
	if g.Continuous {
		b.WriteString("承接上一段讲解继续，不要重复开场白。\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func durationBucket(seconds float64) string {
	switch {
	case seconds <= shortNarrationS:
		return "简短"
	case seconds <= mediumNarrationS:
		return "适中"
	default:
		return "详细"
	}
}

func constraintDirective(c config.ConstraintsConfig) string {
	var parts []string
	if c.NoSelfIntro {
		parts = append(parts, "不要自我介绍，直接回答。")
	}
	if c.MaxAnswerChars > 0 {
		parts = append(parts, fmt.Sprintf("回答不超过%d字。", c.MaxAnswerChars))
	}
	return "【回答要求】" + strings.Join(parts, "")
}
