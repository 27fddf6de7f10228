package classify

import (
	"reflect"
	"testing"
)

func TestClassifyExplicitTaskType(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		name string
		in   Input
		want TaskType
	}{
		{
			name: "explicit text",
			in:   Input{Query: "Write a haiku", TaskType: "text"},
			want: TaskText,
		},
		{
			name: "explicit image",
			in:   Input{Query: "sunset over mountains", TaskType: "image"},
			want: TaskImage,
		},
		{
			name: "explicit type wins over repo url in query",
			in:   Input{Query: "summarize https://github.com/nats-io/nats.go", TaskType: "text"},
			want: TaskText,
		},
		{
			name: "explicit type wins over repo url hint",
			in:   Input{Query: "describe this project", TaskType: "text", RepoURL: "https://github.com/acme/widgets"},
			want: TaskText,
		},
		{
			name: "unrecognized explicit type maps to unknown",
			in:   Input{Query: "do something", TaskType: "hologram"},
			want: TaskUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in, routes)
			if got.TaskType != tt.want {
				t.Errorf("TaskType = %s, want %s", got.TaskType, tt.want)
			}
			if got.Confidence != 1.0 {
				t.Errorf("Confidence = %f, want 1.0", got.Confidence)
			}
		})
	}
}

func TestClassifyCodeDetection(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		name string
		in   Input
	}{
		{
			name: "repo url hint",
			in:   Input{Query: "add pagination", RepoURL: "https://github.com/acme/api"},
		},
		{
			name: "github url in query",
			in:   Input{Query: "fix the failing CI in https://github.com/acme/api"},
		},
		{
			name: "gitlab url in query",
			in:   Input{Query: "look at https://gitlab.com/acme/api please"},
		},
		{
			name: "ssh remote in query",
			in:   Input{Query: "clone git@github.com:acme/api.git and inspect"},
		},
		{
			name: "code keyword",
			in:   Input{Query: "Refactor the billing service to use dependency injection"},
		},
		{
			name: "stack trace keyword",
			in:   Input{Query: "here is a stack trace, what went wrong?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in, routes)
			if got.TaskType != TaskCode {
				t.Errorf("TaskType = %s, want code", got.TaskType)
			}
			if got.Provider != "anthropic" {
				t.Errorf("Provider = %s, want anthropic", got.Provider)
			}
		})
	}
}

func TestClassifyPatternScoring(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		name        string
		query       string
		wantType    TaskType
		wantSubtask string
	}{
		{
			name:     "text verbs",
			query:    "Write an essay about rivers",
			wantType: TaskText,
		},
		{
			name:        "summarization subtask",
			query:       "Summarize this article",
			wantType:    TaskText,
			wantSubtask: "summarization",
		},
		{
			name:        "translation subtask",
			query:       "Translate this paragraph into French",
			wantType:    TaskText,
			wantSubtask: "translation",
		},
		{
			name:     "image terms",
			query:    "A picture of a castle, photorealistic render",
			wantType: TaskImage,
		},
		{
			name:        "tts subtask",
			query:       "Narrate this script as a voiceover",
			wantType:    TaskAudio,
			wantSubtask: "tts",
		},
		{
			name:     "video terms",
			query:    "Make a short animation clip of a rocket launch",
			wantType: TaskVideo,
		},
		{
			name:     "context terms",
			query:    "Research the current news on solar batteries",
			wantType: TaskContext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(Input{Query: tt.query}, routes)
			if got.TaskType != tt.wantType {
				t.Errorf("TaskType = %s, want %s", got.TaskType, tt.wantType)
			}
			if got.Subtask != tt.wantSubtask {
				t.Errorf("Subtask = %q, want %q", got.Subtask, tt.wantSubtask)
			}
			if got.Confidence <= 0.5 || got.Confidence > 0.95 {
				t.Errorf("Confidence = %f, want in (0.5, 0.95]", got.Confidence)
			}
		})
	}
}

func TestClassifyTieBreaksInDeclarationOrder(t *testing.T) {
	routes := DefaultRoutes()

	// "draw" (image) and "write" (text) each score 1; text is declared first.
	got := Classify(Input{Query: "write then draw"}, routes)
	if got.TaskType != TaskText {
		t.Errorf("TaskType = %s, want text on tie", got.TaskType)
	}
}

func TestClassifyDefault(t *testing.T) {
	routes := DefaultRoutes()

	got := Classify(Input{Query: "qwertyuiop"}, routes)
	if got.TaskType != TaskText {
		t.Errorf("TaskType = %s, want text", got.TaskType)
	}
	if got.Confidence != 0.5 {
		t.Errorf("Confidence = %f, want 0.5", got.Confidence)
	}
	if got.Provider == "" || got.Model == "" {
		t.Errorf("default route not resolved: %+v", got)
	}
}

func TestClassifyIsPure(t *testing.T) {
	routes := DefaultRoutes()
	in := Input{Query: "Summarize this article and translate the summary"}

	first := Classify(in, routes)
	for i := 0; i < 10; i++ {
		if got := Classify(in, routes); !reflect.DeepEqual(got, first) {
			t.Fatalf("call %d returned %+v, first call returned %+v", i, got, first)
		}
	}
}

func TestRoutesSubtaskOverride(t *testing.T) {
	routes := DefaultRoutes()

	route, ok := routes.Lookup(TaskText, "translation")
	if !ok {
		t.Fatal("expected translation route")
	}
	if route.Model != "gpt-4o" {
		t.Errorf("Model = %s, want gpt-4o", route.Model)
	}

	// Unknown subtask falls back to the type route.
	route, ok = routes.Lookup(TaskText, "limerick")
	if !ok {
		t.Fatal("expected text route")
	}
	if route.Model != "gpt-4o-mini" {
		t.Errorf("Model = %s, want gpt-4o-mini", route.Model)
	}
}
