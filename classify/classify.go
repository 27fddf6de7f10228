// Package classify maps a free-form query plus optional hints to a task
// type, provider, and model. Classification is a pure function: no I/O,
// deterministic for a given input.
package classify

import (
	"regexp"
	"strings"
)

// TaskType is the coarse category of work a request asks for.
type TaskType string

const (
	TaskText    TaskType = "text"
	TaskImage   TaskType = "image"
	TaskAudio   TaskType = "audio"
	TaskVideo   TaskType = "video"
	TaskContext TaskType = "context"
	TaskCode    TaskType = "code"
	TaskUnknown TaskType = "unknown"
)

// Input carries the classification inputs extracted from a submission.
type Input struct {
	Query    string
	TaskType string // explicit hint, wins when present
	Executor string
	RepoURL  string
}

// Result is the classification decision.
type Result struct {
	TaskType   TaskType
	Subtask    string
	Provider   string
	Model      string
	Waterfall  []string
	Confidence float64
}

// repoHostPatterns recognize repository URLs embedded in the query text.
var repoHostPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://(www\.)?github\.com/[\w.-]+/[\w.-]+`),
	regexp.MustCompile(`(?i)https?://(www\.)?gitlab\.com/[\w.-]+/[\w.-]+`),
	regexp.MustCompile(`(?i)https?://(www\.)?bitbucket\.org/[\w.-]+/[\w.-]+`),
	regexp.MustCompile(`(?i)git@[\w.-]+:[\w.-]+/[\w.-]+(\.git)?`),
}

// codeKeywords is the fixed vocabulary of code-intent terms.
var codeKeywords = []string{
	"refactor", "debug", "fix the bug", "stack trace", "unit test",
	"pull request", "compile", "implement a function", "write a function",
	"code review", "regex", "sql query", "api endpoint", "dockerfile",
	"terraform", "typescript", "python script", "shell script",
}

// subtaskPattern pairs a subtask name with the patterns that select it.
type subtaskPattern struct {
	name     string
	patterns []string
}

// typePatterns holds the scoring vocabulary for one task type.
type typePatterns struct {
	taskType TaskType
	patterns []string
	subtasks []subtaskPattern
}

// scoringOrder is the declaration order used for tie breaks.
var scoringOrder = []typePatterns{
	{
		taskType: TaskText,
		patterns: []string{
			"write", "summarize", "summarise", "translate", "explain",
			"draft", "essay", "article", "blog", "email", "poem", "haiku",
			"story", "rewrite", "paraphrase", "caption", "headline",
		},
		subtasks: []subtaskPattern{
			{name: "summarization", patterns: []string{"summarize", "summarise", "tl;dr", "summary"}},
			{name: "translation", patterns: []string{"translate", "translation"}},
		},
	},
	{
		taskType: TaskImage,
		patterns: []string{
			"image", "picture", "photo", "illustration", "drawing", "draw",
			"logo", "render", "sketch", "painting", "wallpaper", "icon",
		},
		subtasks: []subtaskPattern{
			{name: "logo", patterns: []string{"logo", "brand mark"}},
			{name: "photo", patterns: []string{"photo", "photorealistic"}},
		},
	},
	{
		taskType: TaskAudio,
		patterns: []string{
			"audio", "speech", "voice", "narrate", "podcast", "song",
			"music", "sound effect", "text to speech", "tts", "voiceover",
		},
		subtasks: []subtaskPattern{
			{name: "tts", patterns: []string{"text to speech", "tts", "narrate", "voiceover"}},
			{name: "music", patterns: []string{"song", "music", "melody"}},
		},
	},
	{
		taskType: TaskVideo,
		patterns: []string{
			"video", "animation", "animate", "clip", "footage", "movie",
			"trailer", "motion graphic",
		},
	},
	{
		taskType: TaskContext,
		patterns: []string{
			"search", "look up", "find information", "research", "browse",
			"what is the latest", "current news", "knowledge base",
		},
	},
}

// Classify maps the input to a task type, provider, and model using the
// given routing table. Rule order: explicit type, code detection, pattern
// scoring, text default.
func Classify(in Input, routes *Routes) Result {
	query := strings.ToLower(in.Query)

	// Explicit task type always wins, even over repo URLs in the query.
	if in.TaskType != "" {
		r := Result{
			TaskType:   normalizeTaskType(in.TaskType),
			Confidence: 1.0,
		}
		routes.resolve(&r)
		return r
	}

	if isCodeIntent(in, query) {
		r := Result{TaskType: TaskCode, Confidence: 0.9}
		if in.Executor != "" {
			r.Subtask = in.Executor
		}
		routes.resolve(&r)
		return r
	}

	if r, ok := scoreQuery(query); ok {
		routes.resolve(&r)
		return r
	}

	// Nothing matched: text default.
	r := Result{TaskType: TaskText, Confidence: 0.5}
	routes.resolve(&r)
	return r
}

// isCodeIntent applies rule 2: repo URL hint, repo-host URL in the query,
// or code-intent vocabulary.
func isCodeIntent(in Input, query string) bool {
	if in.RepoURL != "" {
		return true
	}
	for _, p := range repoHostPatterns {
		if p.MatchString(in.Query) {
			return true
		}
	}
	for _, kw := range codeKeywords {
		if strings.Contains(query, kw) {
			return true
		}
	}
	return false
}

// scoreQuery counts pattern matches per task type and picks the highest
// non-zero score. Ties break in declaration order. Confidence scales with
// match count, capped at 0.95.
func scoreQuery(query string) (Result, bool) {
	best := Result{}
	bestScore := 0

	for _, tp := range scoringOrder {
		score := 0
		for _, p := range tp.patterns {
			if strings.Contains(query, p) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = Result{
				TaskType: tp.taskType,
				Subtask:  bestSubtask(tp.subtasks, query),
			}
		}
	}

	if bestScore == 0 {
		return Result{}, false
	}

	best.Confidence = 0.6 + 0.1*float64(bestScore)
	if best.Confidence > 0.95 {
		best.Confidence = 0.95
	}
	return best, true
}

// bestSubtask picks the highest-scoring subtask, ties broken in
// declaration order. Empty when no subtask pattern matches.
func bestSubtask(subtasks []subtaskPattern, query string) string {
	name := ""
	bestScore := 0
	for _, st := range subtasks {
		score := 0
		for _, p := range st.patterns {
			if strings.Contains(query, p) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			name = st.name
		}
	}
	return name
}

// normalizeTaskType maps a client-supplied type string onto the closed set.
func normalizeTaskType(s string) TaskType {
	switch TaskType(strings.ToLower(strings.TrimSpace(s))) {
	case TaskText, TaskImage, TaskAudio, TaskVideo, TaskContext, TaskCode:
		return TaskType(strings.ToLower(strings.TrimSpace(s)))
	default:
		return TaskUnknown
	}
}
