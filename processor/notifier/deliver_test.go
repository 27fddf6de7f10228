package notifier

import (
	"testing"
	"time"
)

func TestRetryAfterDelay(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryAfterDelay(tt.header); got != tt.want {
				t.Errorf("retryAfterDelay(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestIsNotificationHost(t *testing.T) {
	c := &Component{config: Config{NotificationHosts: []string{"ntfy.example.com", "localhost:8080"}}}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://ntfy.example.com/alerts", true},
		{"http://localhost:8080/topic", true},
		{"https://hooks.example.com/x", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		if got := c.isNotificationHost(tt.url); got != tt.want {
			t.Errorf("isNotificationHost(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}

	empty := &Component{config: Config{}}
	if empty.isNotificationHost("https://ntfy.example.com/alerts") {
		t.Error("no configured hosts should match nothing")
	}
}
