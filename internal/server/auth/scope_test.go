package auth

import (
	"errors"
	"reflect"
	"testing"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
)

func TestParseScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Access
		wantErr bool
	}{
		{in: "repository:nginx:pull", want: Access{Type: "repository", Name: "nginx", Actions: []string{"pull"}}},
		{in: "repository:org/app:pull,push", want: Access{Type: "repository", Name: "org/app", Actions: []string{"pull", "push"}}},
		{in: "repository:registry.local:5000/app:pull", want: Access{Type: "repository", Name: "registry.local:5000/app", Actions: []string{"pull"}}},
		{in: "registry:catalog:*", want: Access{Type: "registry", Name: "catalog", Actions: []string{"*"}}},
		{in: "repository:nginx", wantErr: true},
		{in: "repository:nginx:", wantErr: true},
		{in: ":nginx:pull", wantErr: true},
		{in: "repository::pull", wantErr: true},
		{in: "repository:nginx:pull,,push", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if tt.wantErr {
			if !errors.Is(err, common.ErrInvalidScope) {
				t.Fatalf("ParseScope(%q): expected ErrInvalidScope, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseScope(%q): %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("ParseScope(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseScopes_SpaceSeparated(t *testing.T) {
	t.Parallel()

	got, err := ParseScopes([]string{"repository:a:pull repository:b:push", "repository:c:pull"})
	if err != nil {
		t.Fatalf("ParseScopes: %v", err)
	}
	if len(got) != 3 || got[1].Name != "b" || got[2].Name != "c" {
		t.Fatalf("unexpected scopes: %+v", got)
	}
}
