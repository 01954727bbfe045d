package repository

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-github/v58/github"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeGitHub serves the handful of REST endpoints the package uses.
type fakeGitHub struct {
	mu       sync.Mutex
	files    map[string]string // path -> content on any ref
	puts     map[string]map[string]interface{}
	refBody  map[string]interface{}
	prBody   map[string]interface{}
	failPull bool
}

func newFakeGitHub(t *testing.T, files map[string]string) (*fakeGitHub, *github.Client) {
	t.Helper()
	f := &fakeGitHub{files: files, puts: map[string]map[string]interface{}{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/repos/acme/shop/contents/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/repos/acme/shop/contents/")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			content, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Not Found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"type":"file","encoding":"base64","path":"` + path + `","sha":"sha-` + path + `","content":"` +
				base64.StdEncoding.EncodeToString([]byte(content)) + `"}`))
		case http.MethodPut:
			var body map[string]interface{}
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &body))
			f.puts[path] = body
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"content":{"path":"` + path + `"},"commit":{"sha":"c1"}}`))
		}
	})
	mux.HandleFunc("/repos/acme/shop/git/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Contains(t, r.URL.Path, "heads/main")
			_, _ = w.Write([]byte(`{"ref":"refs/heads/main","object":{"type":"commit","sha":"base-sha"}}`))
		case http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			require.NoError(t, json.Unmarshal(raw, &f.refBody))
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(raw)
		}
	})
	mux.HandleFunc("/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		if f.failPull {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
			return
		}
		raw, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		require.NoError(t, json.Unmarshal(raw, &f.prBody))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/shop/pull/7"}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewGitHubClient(config.GitHubConfig{Token: "ghp_test"}, server.Client())
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return f, client
}

func TestGitHubSource_ReadFile(t *testing.T) {
	_, client := newFakeGitHub(t, map[string]string{"cart/handler.go": "package cart\n"})
	src := NewGitHubSource(client, "acme", "shop", "main")

	content, err := src.ReadFile(context.Background(), "./cart/handler.go")
	require.NoError(t, err)
	assert.Equal(t, "package cart\n", content)

	_, err = src.ReadFile(context.Background(), "cart/missing.go")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestPullRequestOpener_Open(t *testing.T) {
	fake, client := newFakeGitHub(t, map[string]string{"cart/handler.go": "old"})
	opener := NewPullRequestOpener(client,
		config.GitHubConfig{RepoOwner: "acme", RepoName: "shop", BaseBranch: "main"},
		config.GitConfig{AuthorName: "healops-bot", AuthorEmail: "bot@healops.dev"},
		zaptest.NewLogger(t))

	incident := schemas.Incident{ID: "INC 42", Title: "checkout 500s", RootCause: "nil map write"}
	result := models.RunResult{
		RunID:      "0123456789abcdef",
		Iterations: 3,
		PlanProgress: models.PlanProgress{Total: 2, Completed: 2, Steps: []models.Step{
			{StepNumber: 1, Description: "read", Status: models.StepCompleted},
			{StepNumber: 2, Description: "patch", Status: models.StepCompleted},
		}},
		Fixes: []models.FileChange{
			{Path: "cart/handler.go", Content: "new"},
			{Path: "cart/handler_test.go", Content: "test"},
		},
	}

	prURL, err := opener.Open(context.Background(), incident, result)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", prURL)

	assert.Equal(t, "refs/heads/healops/INC-42-01234567", fake.refBody["ref"])
	assert.Equal(t, "healops/INC-42-01234567", fake.prBody["head"])
	assert.Equal(t, "main", fake.prBody["base"])
	assert.Equal(t, "healops: checkout 500s", fake.prBody["title"])
	assert.Contains(t, fake.prBody["body"], "- [x] 2. patch")

	update := fake.puts["cart/handler.go"]
	require.NotNil(t, update)
	assert.Equal(t, "sha-cart/handler.go", update["sha"], "existing files are updated in place")
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("new")), update["content"])
	assert.Equal(t, "healops/INC-42-01234567", update["branch"])

	create := fake.puts["cart/handler_test.go"]
	require.NotNil(t, create)
	_, hasSHA := create["sha"]
	assert.False(t, hasSHA, "new files are created without a sha")
}

func TestPullRequestOpener_Errors(t *testing.T) {
	fake, client := newFakeGitHub(t, map[string]string{})
	opener := NewPullRequestOpener(client, config.GitHubConfig{RepoOwner: "acme", RepoName: "shop", BaseBranch: "main"}, config.GitConfig{}, nil)

	_, err := opener.Open(context.Background(), schemas.Incident{ID: "i"}, models.RunResult{RunID: "r"})
	assert.ErrorIs(t, err, ErrNoFixes)

	fake.failPull = true
	_, err = opener.Open(context.Background(), schemas.Incident{ID: "i"}, models.RunResult{
		RunID: "r", Fixes: []models.FileChange{{Path: "a.go", Content: "x"}},
	})
	assert.ErrorContains(t, err, "failed to open pull request")
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "healops/inc_1-abc", BranchName("inc_1", "abc"))
	assert.Equal(t, "healops/a-b-c-12345678", BranchName("a/b c", "123456789"))
}
