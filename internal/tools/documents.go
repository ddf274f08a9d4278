package tools

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"
)

// DocumentsTool is the name of the local document tool.
const DocumentsTool = "documents"

const (
	defaultSearchLimit = 10
	maxReadBytes       = 50 * 1024
	// minTermLen drops short words ("a", "is", "of") from search terms.
	minTermLen = 3
)

var documentExts = map[string]bool{".md": true, ".markdown": true, ".txt": true}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "who": true,
	"how": true, "are": true, "does": true, "with": true, "about": true,
	"our": true, "can": true, "where": true, "when": true, "which": true,
}

// Documents serves read-only search over a directory of text and
// markdown files. Paths never escape the root.
type Documents struct {
	root string
}

// NewDocuments creates a document tool rooted at root.
func NewDocuments(root string) (*Documents, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve documents root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("documents root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("documents root %s is not a directory", abs)
	}
	return &Documents{root: abs}, nil
}

// Root returns the absolute document root.
func (d *Documents) Root() string { return d.root }

// Tool describes the document tool for the registry. The search action
// serves intents; read is reachable only by correction.
func (d *Documents) Tool(intents []string) *Tool {
	if len(intents) == 0 {
		intents = []string{"lookup"}
	}
	return &Tool{
		Name:        DocumentsTool,
		Description: "Local document search",
		Category:    "documents",
		Actions: []*Action{
			{
				Name:        "search",
				Description: "Find lines matching the query terms",
				Intents:     intents,
				QueryArg:    "query",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "minLength": 1},
						"limit": map[string]any{"type": "integer", "minimum": 1},
					},
					"required": []any{"query"},
				},
				Handler: d.search,
			},
			{
				Name:        "read",
				Description: "Read a document by path",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":   map[string]any{"type": "string", "minLength": 1},
						"offset": map[string]any{"type": "integer", "minimum": 1},
						"limit":  map[string]any{"type": "integer", "minimum": 1},
					},
					"required": []any{"path"},
				},
				Handler: d.read,
			},
		},
	}
}

// Match is one matching line.
type Match struct {
	Path  string `json:"path"`
	Line  int    `json:"line"`
	Text  string `json:"text"`
	Score int    `json:"score"`
}

type searchResult struct {
	Query   string  `json:"query"`
	Matches []Match `json:"matches"`
	Total   int     `json:"total"`
}

// Search returns up to limit lines containing the most query terms,
// best first.
func (d *Documents) Search(ctx context.Context, query string, limit int) ([]Match, int, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, 0, &ToolError{Tool: DocumentsTool, Message: fmt.Sprintf("query %q has no searchable terms", query)}
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var matches []Match
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !documentExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if e.Type()&fs.ModeSymlink != 0 {
			real, err := d.resolvePath(path)
			if err != nil {
				return nil
			}
			if info, err := os.Stat(real); err != nil || info.IsDir() {
				return nil
			}
		}
		found, err := scanFile(path, terms)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(d.root, path)
		for _, m := range found {
			m.Path = filepath.ToSlash(rel)
			matches = append(matches, m)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("search documents: %w", err)
	}

	slices.SortFunc(matches, func(a, b Match) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.Path, b.Path),
			cmp.Compare(a.Line, b.Line),
		)
	})
	total := len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}

func scanFile(path string, terms []string) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Match
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		lower := strings.ToLower(line)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			out = append(out, Match{Line: n, Text: strings.TrimSpace(line), Score: score})
		}
	}
	return out, sc.Err()
}

func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len(w) >= minTermLen && !stopwords[w] && !slices.Contains(terms, w) {
			terms = append(terms, w)
		}
	}
	return terms
}

// Read returns a document's content. offset is the 1-based first line
// and limit the line count; zero means from the start and to the end.
func (d *Documents) Read(path string, offset, limit int) (string, error) {
	abs, err := d.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &ToolError{Tool: DocumentsTool, Message: "document not found: " + path, Code: 404}
		}
		return "", fmt.Errorf("read document: %w", err)
	}

	content := string(data)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", &ToolError{Tool: DocumentsTool, Message: fmt.Sprintf("offset %d exceeds document length (%d lines)", offset, len(lines))}
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	if len(content) > maxReadBytes {
		n := maxReadBytes
		for n > 0 && !utf8.RuneStart(content[n]) {
			n--
		}
		content = content[:n]
	}
	return content, nil
}

// resolvePath maps a document path to an absolute path inside the root.
// Symlinks are followed and must also land inside the root. A path that
// does not exist resolves lexically so the caller can report it missing.
func (d *Documents) resolvePath(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(d.root, path)
	}
	if !d.contains(abs) {
		return "", &ToolError{Tool: DocumentsTool, Message: "path escapes document root: " + path, Code: 403}
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, nil
		}
		return "", fmt.Errorf("resolve document path: %w", err)
	}
	if !d.contains(real) {
		return "", &ToolError{Tool: DocumentsTool, Message: "path escapes document root: " + path, Code: 403}
	}
	return real, nil
}

func (d *Documents) contains(abs string) bool {
	return abs == d.root || strings.HasPrefix(abs, d.root+string(filepath.Separator))
}

func (d *Documents) search(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	query, _ := args["query"].(string)
	matches, total, err := d.Search(ctx, query, intArg(args, "limit"))
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []Match{}
	}
	return json.Marshal(searchResult{Query: query, Matches: matches, Total: total})
}

func (d *Documents) read(_ context.Context, args map[string]any) (json.RawMessage, error) {
	path, _ := args["path"].(string)
	content, err := d.Read(path, intArg(args, "offset"), intArg(args, "limit"))
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"path": path, "content": content})
}

// intArg reads an integer argument decoded from JSON (float64) or set
// in Go (int). Missing or mistyped values are zero.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
