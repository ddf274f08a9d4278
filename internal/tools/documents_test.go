package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testDocuments(t *testing.T, files map[string]string) *Documents {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	d, err := NewDocuments(root)
	if err != nil {
		t.Fatalf("NewDocuments: %v", err)
	}
	return d
}

func TestNewDocuments_BadRoot(t *testing.T) {
	if _, err := NewDocuments(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing root accepted")
	}
	file := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(file, nil, 0o644)
	if _, err := NewDocuments(file); err == nil {
		t.Error("file root accepted")
	}
}

func TestDocuments_ResolvePath(t *testing.T) {
	d := testDocuments(t, nil)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "handbook.md", false},
		{"nested path", "hr/pto.md", false},
		{"dot prefix", "./handbook.md", false},
		{"parent escape attempt", "../outside.md", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sneaky escape", "hr/../../outside.md", true},
		{"sibling prefix", "../" + filepath.Base(d.Root()) + "-other/x.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestDocuments_Search(t *testing.T) {
	d := testDocuments(t, map[string]string{
		"hr/pto.md":       "# PTO\nEmployees accrue PTO monthly.\nThe PTO policy allows rollover.\n",
		"hr/expenses.md":  "Expense policy: submit receipts within 30 days.\n",
		"eng/oncall.txt":  "Pager rotation is weekly.\n",
		"assets/logo.svg": "policy pto",
	})

	matches, total, err := d.Search(context.Background(), "What is the PTO policy?", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 4 || len(matches) != 4 {
		t.Fatalf("matches = %+v (total %d), want 4", matches, total)
	}
	best := matches[0]
	if best.Path != "hr/pto.md" || best.Line != 3 || best.Score != 2 {
		t.Errorf("best match = %+v, want pto.md line 3 with both terms", best)
	}
	for _, m := range matches {
		if strings.HasSuffix(m.Path, ".svg") {
			t.Errorf("non-document file searched: %+v", m)
		}
	}

	limited, total, err := d.Search(context.Background(), "pto policy", 1)
	if err != nil || len(limited) != 1 || total != 4 {
		t.Errorf("limited = %+v, total %d, err %v", limited, total, err)
	}
}

func TestDocuments_SearchNoTerms(t *testing.T) {
	d := testDocuments(t, map[string]string{"a.md": "anything"})
	_, _, err := d.Search(context.Background(), "is it?", 0)
	var te *ToolError
	if !errors.As(err, &te) {
		t.Errorf("Search = %v, want ToolError", err)
	}
}

func TestDocuments_SearchCancelled(t *testing.T) {
	d := testDocuments(t, map[string]string{"a.md": "policy"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := d.Search(ctx, "policy", 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Search = %v, want context.Canceled", err)
	}
}

func TestDocuments_Read(t *testing.T) {
	d := testDocuments(t, map[string]string{"runbook.md": "one\ntwo\nthree\nfour"})

	got, err := d.Read("runbook.md", 0, 0)
	if err != nil || got != "one\ntwo\nthree\nfour" {
		t.Errorf("Read = %q, %v", got, err)
	}
	got, err = d.Read("runbook.md", 2, 2)
	if err != nil || got != "two\nthree" {
		t.Errorf("Read(2,2) = %q, %v", got, err)
	}
	if _, err := d.Read("runbook.md", 10, 0); err == nil {
		t.Error("offset past end accepted")
	}

	_, err = d.Read("missing.md", 0, 0)
	var te *ToolError
	if !errors.As(err, &te) || te.Code != 404 {
		t.Errorf("Read missing = %v, want 404 ToolError", err)
	}
}

func TestDocuments_RegisteredHandlers(t *testing.T) {
	d := testDocuments(t, map[string]string{"faq.md": "VPN access requires MFA."})
	r := NewRegistry()
	if err := r.Register(d.Tool(nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cands := r.Candidates("lookup")
	if len(cands) != 1 || cands[0].String() != "documents.search" || cands[0].Category() != "documents" {
		t.Fatalf("candidates = %v", cands)
	}

	payload, err := cands[0].Handler()(context.Background(), map[string]any{"query": "vpn mfa", "limit": float64(5)})
	if err != nil {
		t.Fatalf("search handler: %v", err)
	}
	var res searchResult
	if err := json.Unmarshal(payload, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 1 || res.Matches[0].Path != "faq.md" {
		t.Errorf("result = %+v", res)
	}

	read, err := r.Resolve(DocumentsTool, "read")
	if err != nil {
		t.Fatalf("Resolve read: %v", err)
	}
	if err := r.Validate(read, map[string]any{}); err == nil {
		t.Error("read without path passed validation")
	}
	payload, err = read.Handler()(context.Background(), map[string]any{"path": "faq.md"})
	if err != nil || !strings.Contains(string(payload), "VPN access") {
		t.Errorf("read handler = %s, %v", payload, err)
	}
}

func TestDocuments_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.md")
	if err := os.WriteFile(secret, []byte("policy secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := testDocuments(t, map[string]string{"inside.md": "policy handbook"})
	if err := os.Symlink(secret, filepath.Join(d.Root(), "leak.md")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(d.Root(), "inside.md"), filepath.Join(d.Root(), "alias.md")); err != nil {
		t.Fatal(err)
	}

	_, err := d.Read("leak.md", 0, 0)
	var te *ToolError
	if !errors.As(err, &te) || te.Code != 403 {
		t.Errorf("Read through escaping symlink = %v, want 403 ToolError", err)
	}
	if got, err := d.Read("alias.md", 0, 0); err != nil || got != "policy handbook" {
		t.Errorf("Read through inside symlink = %q, %v", got, err)
	}

	matches, _, err := d.Search(context.Background(), "policy", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, m := range matches {
		if strings.Contains(m.Text, "secret") {
			t.Errorf("search followed escaping symlink: %+v", m)
		}
	}
	if len(matches) != 2 {
		t.Errorf("matches = %+v, want inside.md and alias.md", matches)
	}
}

func TestDocuments_ReadTruncatesOnRuneBoundary(t *testing.T) {
	d := testDocuments(t, map[string]string{"wide.md": "a" + strings.Repeat("é", maxReadBytes)})

	got, err := d.Read("wide.md", 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) > maxReadBytes {
		t.Errorf("len = %d, want at most %d", len(got), maxReadBytes)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated content is not valid UTF-8")
	}
}
