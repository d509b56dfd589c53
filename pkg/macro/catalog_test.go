package macro

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/warden/pkg/engine"
)

func TestGetMacroList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"restart.star", "backup.star", "notes.txt", "plugin.wasm"} {
		writeMacro(t, dir, name, "pass\n")
	}

	got, err := GetMacroList(dir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "backup,restart" {
		t.Errorf("GetMacroList = %v", got)
	}

	if _, err := GetMacroList(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing dir should fail")
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeMacro(t, dir, "backup.star", "pass\n")

	tests := []struct {
		name    string
		macro   string
		want    string
		wantErr func(error) bool
	}{
		{name: "bare name", macro: "backup", want: filepath.Join(dir, "backup.star")},
		{name: "file name", macro: "backup.star", want: filepath.Join(dir, "backup.star")},
		{name: "unknown", macro: "restore", wantErr: engine.IsNotFound},
		{name: "escapes dir", macro: "../backup", wantErr: engine.IsBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(dir, tt.macro)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("Resolve error = %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Resolve = %q, %v", got, err)
			}
		})
	}
}

func TestCatalog_Invalidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewCatalog(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	writeMacro(t, dir, "backup.star", "pass\n")

	got, err := c.List(dir)
	if err != nil || len(got) != 1 {
		t.Fatalf("List = %v, %v", got, err)
	}

	writeMacro(t, dir, "restart.star", "pass\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err = c.List(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catalog still lists %v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
