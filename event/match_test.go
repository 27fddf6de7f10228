package event

import "testing"

func TestMatches(t *testing.T) {
	e := &Event{
		Tenant:        "tenant-a",
		UserID:        "user-1",
		Action:        "request.completed",
		EventableKind: "request",
		EventableID:   "req-9",
	}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{
			name: "exact action",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"request.completed"}, Active: true},
			want: true,
		},
		{
			name: "wildcard suffix",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"request.*"}, Active: true},
			want: true,
		},
		{
			name: "catch-all",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, Active: true},
			want: true,
		},
		{
			name: "different action",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"deliverable.*"}, Active: true},
			want: false,
		},
		{
			name: "inactive",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, Active: false},
			want: false,
		},
		{
			name: "tenant mismatch",
			sub:  Subscription{Tenant: "tenant-b", Actions: []string{"*"}, Active: true},
			want: false,
		},
		{
			name: "user filter match",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, UserID: "user-1", Active: true},
			want: true,
		},
		{
			name: "user filter mismatch",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, UserID: "user-2", Active: true},
			want: false,
		},
		{
			name: "eventable kind filter",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, EventableKind: "deliverable", Active: true},
			want: false,
		},
		{
			name: "eventable id filter match",
			sub:  Subscription{Tenant: "tenant-a", Actions: []string{"*"}, EventableID: "req-9", Active: true},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(&tt.sub, e); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
