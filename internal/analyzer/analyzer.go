// Package analyzer inspects agent output for completion state, follow-up
// phases, and produced artifact files.
package analyzer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Extension categories for artifact classification.
var (
	imageExtensions = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
		".svg": true, ".bmp": true, ".ico": true, ".tiff": true,
	}
	audioExtensions = map[string]bool{
		".mp3": true, ".wav": true, ".aac": true, ".ogg": true, ".flac": true,
		".m4a": true, ".opus": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".flv": true, ".webm": true,
	}
	docExtensions = map[string]bool{
		".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true,
		".pptx": true, ".pdf": true, ".txt": true, ".csv": true, ".md": true,
	}
)

var filePathPattern = regexp.MustCompile(`(?:[a-zA-Z]:\\|/)?[\w\-\\/.]+\.\w+`)

var nextPhasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:下一阶段|next\s*phase|next\s*step)[：:]\s*([^\n]+)`),
	regexp.MustCompile(`(?i)(?:阶段目标|phase\s*goal|step\s*goal)[：:]\s*([^\n]+)`),
	regexp.MustCompile(`(?i)(?:继续|continue)[：:]\s*([^\n]+)`),
	regexp.MustCompile(`(?i)NEXT_PHASE:\s*([^\n]+)`),
	regexp.MustCompile(`(?i)NEXT_GOAL:\s*([^\n]+)`),
}

var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:完成|completed|done|finished|success)`),
	regexp.MustCompile(`(?i)(?:任务结束|task\s+completed|task\s+done)`),
	regexp.MustCompile(`(?i)(?:没有下一阶段|no\s+next\s+phase|no\s+next\s+step)`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:错误|error|failed|failure)`),
	regexp.MustCompile(`(?i)(?:异常|exception|crash)`),
}

var inputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:请输入|please\s+input|enter\s+your)`),
	regexp.MustCompile(`(?i)(?:等待|waiting|awaiting)`),
	regexp.MustCompile(`\?$`),
}

var continueHint = regexp.MustCompile(`(?i)继续|下一步|next|continue`)

// Result is the outcome of analyzing one agent response.
type Result struct {
	CanContinue bool
	NextPhase   string
	IsComplete  bool
	HasError    bool
	NeedsInput  bool
	HasProgress bool
	Summary     string
	Confidence  float64

	ImageFiles []string
	AudioFiles []string
	VideoFiles []string
	DocFiles   []string
	AllFiles   []string
}

// ExecResult is the raw agent execution outcome fed into Analyze.
type ExecResult struct {
	Success bool
	Output  string
	Error   string
	Command string
}

// Analyzer classifies agent output and extracts artifact paths.
// Stateless and safe for concurrent use.
type Analyzer struct{}

// New creates an Analyzer.
func New() *Analyzer { return &Analyzer{} }

// Analyze inspects the output text of a completed agent run.
// Empty output yields the zero Result.
func (a *Analyzer) Analyze(res ExecResult) Result {
	var out Result
	output := res.Output
	if output == "" {
		return out
	}

	out.IsComplete = matchAny(completionPatterns, output)
	out.HasError = matchAny(errorPatterns, output)
	out.NeedsInput = matchAny(inputPatterns, output)

	if !out.IsComplete {
		if phase := extractNextPhase(output); phase != "" {
			out.NextPhase = strings.TrimSpace(phase)
			out.CanContinue = true
			out.HasProgress = true
			out.Confidence = calculateConfidence(output, out.NextPhase)
		}
	}

	a.extractFiles(output, &out)
	out.Summary = buildSummary(res, &out)

	slog.Debug("analysis",
		"can_continue", out.CanContinue,
		"next_phase", out.NextPhase,
		"complete", out.IsComplete,
		"error", out.HasError,
		"files", len(out.AllFiles),
		"confidence", out.Confidence,
	)
	return out
}

// NeedsIntervention reports whether a human should take over: on error,
// on an input request, on loop-depth exhaustion, or when the continuation
// confidence falls below 0.3.
func (a *Analyzer) NeedsIntervention(res Result, loopDepth, maxLoopDepth int) bool {
	if res.HasError || res.NeedsInput {
		return true
	}
	if loopDepth >= maxLoopDepth {
		slog.Warn("exceeded max loop depth", "depth", loopDepth, "max", maxLoopDepth)
		return true
	}
	if res.CanContinue && res.Confidence < 0.3 {
		slog.Warn("low continuation confidence", "confidence", res.Confidence)
		return true
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func extractNextPhase(output string) string {
	for _, p := range nextPhasePatterns {
		if m := p.FindStringSubmatch(output); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}

	// Fallback: last non-empty line, unless it reads as a status line.
	var last string
	for _, line := range strings.Split(output, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			last = t
		}
	}
	if last != "" && !matchAny(completionPatterns, last) && !matchAny(errorPatterns, last) {
		return last
	}
	return ""
}

func calculateConfidence(output, nextPhase string) float64 {
	confidence := 0.0
	if matchAny(nextPhasePatterns, output) {
		confidence += 0.6
	}
	if len(nextPhase) > 10 {
		confidence += 0.2
	}
	if continueHint.MatchString(output) {
		confidence += 0.2
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// extractFiles collects deduplicated path-looking tokens that exist on
// disk as regular files and buckets them by extension.
func (a *Analyzer) extractFiles(output string, res *Result) {
	seen := make(map[string]bool)
	for _, path := range filePathPattern.FindAllString(output, -1) {
		if seen[path] {
			continue
		}
		seen[path] = true

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(path))
		res.AllFiles = append(res.AllFiles, path)

		switch {
		case imageExtensions[ext]:
			res.ImageFiles = append(res.ImageFiles, path)
		case audioExtensions[ext]:
			res.AudioFiles = append(res.AudioFiles, path)
		case videoExtensions[ext]:
			res.VideoFiles = append(res.VideoFiles, path)
		case docExtensions[ext]:
			res.DocFiles = append(res.DocFiles, path)
		}
	}
}

func buildSummary(res ExecResult, out *Result) string {
	var parts []string

	switch {
	case out.HasError:
		parts = append(parts, "❌ 执行出现错误")
	case out.IsComplete:
		parts = append(parts, "✅ 任务已完成")
	default:
		parts = append(parts, "⏳ 执行中")
	}

	if res.Command != "" {
		parts = append(parts, "命令: "+res.Command)
	}
	if out.NextPhase != "" {
		parts = append(parts, "下一阶段: "+out.NextPhase)
	}
	if len(out.AllFiles) > 0 {
		parts = append(parts, fmt.Sprintf("检测到 %d 个文件", len(out.AllFiles)))
	}
	if res.Output != "" {
		preview := strings.ReplaceAll(res.Output, "\n", " ")
		if len(preview) > 200 {
			preview = preview[:200]
		}
		parts = append(parts, "输出: "+preview+"...")
	}

	return strings.Join(parts, "\n")
}
