package classify

import "sync"

// Route describes the provider and model chain serving one
// (task type, subtask) pair.
type Route struct {
	Provider  string
	Model     string
	Waterfall []string
}

// Routes maps task types to routes, with optional per-subtask overrides.
// Safe for concurrent lookup and replacement.
type Routes struct {
	mu        sync.RWMutex
	byType    map[TaskType]Route
	bySubtask map[TaskType]map[string]Route
}

// NewRoutes builds an empty routing table.
func NewRoutes() *Routes {
	return &Routes{
		byType:    make(map[TaskType]Route),
		bySubtask: make(map[TaskType]map[string]Route),
	}
}

// Set registers the route for a task type.
func (r *Routes) Set(t TaskType, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = route
}

// SetSubtask registers a subtask override. It wins over the type route
// when the classifier produced that subtask.
func (r *Routes) SetSubtask(t TaskType, subtask string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bySubtask[t]
	if m == nil {
		m = make(map[string]Route)
		r.bySubtask[t] = m
	}
	m[subtask] = route
}

// Lookup resolves (task type, subtask) to a route. The subtask override
// wins when it exists; unknown types fall back to the text route.
func (r *Routes) Lookup(t TaskType, subtask string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if subtask != "" {
		if m, ok := r.bySubtask[t]; ok {
			if route, ok := m[subtask]; ok {
				return route, true
			}
		}
	}
	if route, ok := r.byType[t]; ok {
		return route, true
	}
	route, ok := r.byType[TaskText]
	return route, ok
}

// resolve fills the provider/model fields of a classification result.
func (r *Routes) resolve(res *Result) {
	route, ok := r.Lookup(res.TaskType, res.Subtask)
	if !ok {
		return
	}
	res.Provider = route.Provider
	res.Model = route.Model
	res.Waterfall = route.Waterfall
}

// DefaultRoutes returns the built-in routing table. Deployments override
// entries from configuration at boot.
func DefaultRoutes() *Routes {
	r := NewRoutes()
	r.Set(TaskText, Route{
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Waterfall: []string{"gpt-4o-mini", "gpt-4o"},
	})
	r.Set(TaskImage, Route{
		Provider:  "stability",
		Model:     "sd3-large",
		Waterfall: []string{"sd3-large", "sd3-medium"},
	})
	r.Set(TaskAudio, Route{
		Provider: "elevenlabs",
		Model:    "eleven-multilingual-v2",
	})
	r.Set(TaskVideo, Route{
		Provider: "runway",
		Model:    "gen3-turbo",
	})
	r.Set(TaskContext, Route{
		Provider: "perplexity",
		Model:    "sonar-pro",
	})
	r.Set(TaskCode, Route{
		Provider:  "anthropic",
		Model:     "claude-sonnet",
		Waterfall: []string{"claude-sonnet", "claude-haiku"},
	})
	r.Set(TaskUnknown, Route{
		Provider: "openai",
		Model:    "gpt-4o-mini",
	})

	r.SetSubtask(TaskText, "translation", Route{
		Provider: "openai",
		Model:    "gpt-4o",
	})
	r.SetSubtask(TaskAudio, "music", Route{
		Provider: "suno",
		Model:    "v4",
	})
	return r
}
