package gh

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockServer provides a fake GitHub API for testing the gateway and the
// components built on top of it.
type MockServer struct {
	*httptest.Server

	mu             sync.Mutex
	issues         map[int64]*Issue
	comments       map[int64][]Comment
	labels         []Label
	assignees      []string
	pullFiles      map[int64][]PullFile
	reviewComments map[int64][]ReviewComment
	threads        map[int64][]ReviewThreadInfo
	viewed         map[int64]map[string]bool
	resolveResults map[string]bool
	listETag       string
	nextID         int64
	failures       []*mockFailure
	requests       []string
}

type mockFailure struct {
	match     string
	status    int
	remaining int
	rateLimit bool
}

// NewMockServer creates a mock GitHub API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		issues:         make(map[int64]*Issue),
		comments:       make(map[int64][]Comment),
		pullFiles:      make(map[int64][]PullFile),
		reviewComments: make(map[int64][]ReviewComment),
		threads:        make(map[int64][]ReviewThreadInfo),
		viewed:         make(map[int64]map[string]bool),
		resolveResults: make(map[string]bool),
		listETag:       `"list-0"`,
		nextID:         9000,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.route))
	return m
}

// AddIssue adds or replaces an issue on the mock server and bumps the
// listing ETag.
func (m *MockServer) AddIssue(issue *Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[issue.Number] = issue
	m.bumpListETag()
}

// RemoveIssue deletes an issue, so refetches return 404.
func (m *MockServer) RemoveIssue(number int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issues, number)
	m.bumpListETag()
}

// SetComments replaces the comments of an issue.
func (m *MockServer) SetComments(number int64, comments []Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[number] = comments
}

// SetLabels replaces the repository label list.
func (m *MockServer) SetLabels(labels []Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = labels
}

// SetAssignees replaces the repository assignee list.
func (m *MockServer) SetAssignees(logins []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignees = logins
}

// SetPullFiles replaces the changed files of a pull request.
func (m *MockServer) SetPullFiles(number int64, files []PullFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullFiles[number] = files
}

// SetReviewData replaces the review comments and threads of a pull request.
func (m *MockServer) SetReviewData(number int64, comments []ReviewComment, threads []ReviewThreadInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewComments[number] = comments
	m.threads[number] = threads
}

// ForceResolveState makes resolve/unresolve mutations on the thread land
// in the given state regardless of what the client asked for, emulating a
// server that refuses or races the transition.
func (m *MockServer) ForceResolveState(threadID string, resolved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveResults[threadID] = resolved
}

// SetViewedFiles replaces the viewed-file set of a pull request.
func (m *MockServer) SetViewedFiles(number int64, paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(paths))
	for _, path := range paths {
		set[path] = true
	}
	m.viewed[number] = set
}

// FailNext makes the next count requests whose path contains match fail
// with the given status.
func (m *MockServer) FailNext(match string, status, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &mockFailure{match: match, status: status, remaining: count})
}

// RateLimitNext makes the next count matching requests fail with 403 and
// rate-limit headers pointing at an already-passed reset time.
func (m *MockServer) RateLimitNext(match string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, &mockFailure{match: match, status: http.StatusForbidden, remaining: count, rateLimit: true})
}

// Requests returns the method+path log of all requests served so far.
func (m *MockServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// ResetRequests clears the request log.
func (m *MockServer) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockServer) bumpListETag() {
	m.listETag = fmt.Sprintf(`"list-%d"`, time.Now().UnixNano())
}

func (m *MockServer) route(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	target := r.URL.Path + "?" + r.URL.RawQuery
	m.requests = append(m.requests, r.Method+" "+target)
	for _, failure := range m.failures {
		if failure.remaining > 0 && strings.Contains(target, failure.match) {
			failure.remaining--
			if failure.rateLimit {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(-time.Second).Unix(), 10))
			}
			m.mu.Unlock()
			http.Error(w, `{"message":"injected failure"}`, failure.status)
			return
		}
	}
	m.mu.Unlock()

	if r.URL.Path == "/graphql" {
		m.handleGraphQL(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// All REST paths look like repos/{owner}/{repo}/...
	if len(parts) < 4 || parts[0] != "repos" {
		if len(parts) == 3 && parts[0] == "repos" {
			m.handleRepo(w)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rest := parts[3:]
	switch {
	case rest[0] == "issues" && len(rest) == 1:
		m.handleListIssues(w, r)
	case rest[0] == "issues" && len(rest) == 2 && rest[1] != "comments":
		m.handleIssue(w, r, rest[1])
	case rest[0] == "issues" && len(rest) == 3 && rest[1] == "comments":
		m.handleIssueComment(w, r, rest[2])
	case rest[0] == "issues" && len(rest) == 3 && rest[2] == "comments":
		m.handleIssueComments(w, r, rest[1])
	case rest[0] == "issues" && len(rest) == 3 && rest[2] == "labels":
		m.handleIssueLabels(w, r, rest[1])
	case rest[0] == "issues" && len(rest) == 3 && rest[2] == "timeline":
		writeJSON(w, []interface{}{})
	case rest[0] == "labels":
		m.handleRepoLabels(w, r)
	case rest[0] == "assignees":
		m.handleRepoAssignees(w, r)
	case rest[0] == "pulls" && len(rest) == 2:
		m.handlePull(w, rest[1])
	case rest[0] == "pulls" && len(rest) == 3 && rest[2] == "files":
		m.handlePullFiles(w, r, rest[1])
	case rest[0] == "pulls" && len(rest) == 3 && rest[1] == "comments":
		m.handleReviewComment(w, r, rest[2])
	case rest[0] == "pulls" && len(rest) == 3 && rest[2] == "comments":
		m.handlePullComments(w, r, rest[1])
	case rest[0] == "pulls" && len(rest) == 3 && rest[2] == "merge":
		writeJSON(w, map[string]interface{}{"merged": true})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) handleRepo(w http.ResponseWriter) {
	writeJSON(w, Repo{
		ID:    1,
		Name:  "repo",
		Owner: User{Login: "owner"},
		Permissions: &RepoPermissions{
			Pull: true,
			Push: true,
		},
	})
}

func (m *MockServer) handleListIssues(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := pageParam(r)
	if page == 1 {
		if etag := r.Header.Get("If-None-Match"); etag != "" && etag == m.listETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", m.listETag)
	}

	all := make([]*Issue, 0, len(m.issues))
	for _, issue := range m.issues {
		all = append(all, issue)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	writeJSON(w, slicePage(all, page, perPageParam(r)))
}

func (m *MockServer) handleIssue(w http.ResponseWriter, r *http.Request, numberStr string) {
	number, err := strconv.ParseInt(numberStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid issue number", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[number]
	if !ok {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		etag := issueETag(issue)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		writeJSON(w, issue)
	case http.MethodPatch:
		var update struct {
			State     *string   `json:"state"`
			Assignees *[]string `json:"assignees"`
		}
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if update.State != nil {
			issue.State = *update.State
		}
		if update.Assignees != nil {
			issue.Assignees = issue.Assignees[:0]
			for _, login := range *update.Assignees {
				issue.Assignees = append(issue.Assignees, User{Login: login})
			}
		}
		issue.UpdatedAt = time.Now().UTC()
		m.bumpListETag()
		writeJSON(w, issue)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *MockServer) handleIssueComments(w http.ResponseWriter, r *http.Request, numberStr string) {
	number, err := strconv.ParseInt(numberStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid issue number", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		comments := m.comments[number]
		if pageParam(r) == 1 {
			etag := commentsETag(comments)
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
		}
		all := make([]*Comment, len(comments))
		for i := range comments {
			all[i] = &comments[i]
		}
		writeJSON(w, slicePage(all, pageParam(r), perPageParam(r)))
	case http.MethodPost:
		var payload struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		m.nextID++
		comment := Comment{
			ID:        m.nextID,
			User:      User{Login: "viewer"},
			Body:      payload.Body,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		m.comments[number] = append(m.comments[number], comment)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, comment)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *MockServer) handleIssueComment(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid comment id", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for number, comments := range m.comments {
		for i := range comments {
			if comments[i].ID != id {
				continue
			}
			switch r.Method {
			case http.MethodPatch:
				var payload struct {
					Body string `json:"body"`
				}
				if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
					http.Error(w, "invalid json", http.StatusBadRequest)
					return
				}
				comments[i].Body = payload.Body
				comments[i].UpdatedAt = time.Now().UTC()
				writeJSON(w, comments[i])
			case http.MethodDelete:
				m.comments[number] = append(comments[:i:i], comments[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
	}
	http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
}

func (m *MockServer) handleIssueLabels(w http.ResponseWriter, r *http.Request, numberStr string) {
	number, err := strconv.ParseInt(numberStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid issue number", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[number]
	if !ok {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		return
	}
	issue.Labels = issue.Labels[:0]
	for _, name := range payload.Labels {
		issue.Labels = append(issue.Labels, Label{Name: name})
	}
	issue.UpdatedAt = time.Now().UTC()
	m.bumpListETag()
	writeJSON(w, issue.Labels)
}

func (m *MockServer) handleRepoLabels(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Label, len(m.labels))
	for i := range m.labels {
		all[i] = &m.labels[i]
	}
	writeJSON(w, slicePage(all, pageParam(r), perPageParam(r)))
}

func (m *MockServer) handleRepoAssignees(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*User, len(m.assignees))
	for i, login := range m.assignees {
		all[i] = &User{Login: login}
	}
	writeJSON(w, slicePage(all, pageParam(r), perPageParam(r)))
}

func (m *MockServer) handlePull(w http.ResponseWriter, numberStr string) {
	writeJSON(w, map[string]interface{}{
		"head":                 map[string]string{"sha": "headsha-" + numberStr},
		"merge_commit_allowed": true,
		"squash_merge_allowed": true,
		"rebase_merge_allowed": false,
	})
}

func (m *MockServer) handlePullFiles(w http.ResponseWriter, r *http.Request, numberStr string) {
	number, _ := strconv.ParseInt(numberStr, 10, 64)
	m.mu.Lock()
	defer m.mu.Unlock()
	files := m.pullFiles[number]
	all := make([]*PullFile, len(files))
	for i := range files {
		all[i] = &files[i]
	}
	writeJSON(w, slicePage(all, pageParam(r), perPageParam(r)))
}

func (m *MockServer) handlePullComments(w http.ResponseWriter, r *http.Request, numberStr string) {
	number, _ := strconv.ParseInt(numberStr, 10, 64)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		comments := m.reviewComments[number]
		all := make([]*ReviewComment, len(comments))
		for i := range comments {
			all[i] = &comments[i]
		}
		writeJSON(w, slicePage(all, pageParam(r), perPageParam(r)))
	case http.MethodPost:
		var payload struct {
			Body      string `json:"body"`
			CommitID  string `json:"commit_id"`
			Path      string `json:"path"`
			Line      int64  `json:"line"`
			Side      string `json:"side"`
			StartLine int64  `json:"start_line"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		m.nextID++
		comment := ReviewComment{
			ID:        m.nextID,
			Path:      payload.Path,
			Line:      payload.Line,
			StartLine: payload.StartLine,
			Side:      payload.Side,
			CommitID:  payload.CommitID,
			Body:      payload.Body,
			User:      User{Login: "viewer"},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		m.reviewComments[number] = append(m.reviewComments[number], comment)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, comment)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *MockServer) handleReviewComment(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid comment id", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for number, comments := range m.reviewComments {
		for i := range comments {
			if comments[i].ID != id {
				continue
			}
			switch r.Method {
			case http.MethodPatch:
				var payload struct {
					Body string `json:"body"`
				}
				if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
					http.Error(w, "invalid json", http.StatusBadRequest)
					return
				}
				comments[i].Body = payload.Body
				comments[i].UpdatedAt = time.Now().UTC()
				writeJSON(w, comments[i])
			case http.MethodDelete:
				m.reviewComments[number] = append(comments[:i:i], comments[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
	}
	http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
}

func (m *MockServer) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	number := int64(0)
	if raw, ok := payload.Variables["number"].(float64); ok {
		number = int64(raw)
	}

	switch {
	case strings.Contains(payload.Query, "reviewThreads"):
		nodes := make([]interface{}, 0)
		for _, thread := range m.threads[number] {
			comments := make([]interface{}, 0, len(thread.CommentIDs))
			for _, id := range thread.CommentIDs {
				comments = append(comments, map[string]interface{}{"databaseId": id})
			}
			nodes = append(nodes, map[string]interface{}{
				"id":         thread.ID,
				"isResolved": thread.Resolved,
				"comments":   map[string]interface{}{"nodes": comments},
			})
		}
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"repository": map[string]interface{}{
					"pullRequest": map[string]interface{}{
						"reviewThreads": map[string]interface{}{
							"pageInfo": map[string]interface{}{"hasNextPage": false},
							"nodes":    nodes,
						},
					},
				},
			},
		})
	case strings.Contains(payload.Query, "resolveReviewThread") || strings.Contains(payload.Query, "unresolveReviewThread"):
		threadID, _ := payload.Variables["threadId"].(string)
		resolved := !strings.Contains(payload.Query, "unresolveReviewThread")
		field := "resolveReviewThread"
		if !resolved {
			field = "unresolveReviewThread"
		}
		if forced, ok := m.resolveResults[threadID]; ok {
			resolved = forced
		}
		for _, threads := range m.threads {
			for i := range threads {
				if threads[i].ID == threadID {
					threads[i].Resolved = resolved
				}
			}
		}
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				field: map[string]interface{}{
					"thread": map[string]interface{}{"id": threadID, "isResolved": resolved},
				},
			},
		})
	case strings.Contains(payload.Query, "viewerViewedState"):
		nodes := make([]interface{}, 0)
		for _, file := range m.pullFiles[number] {
			state := "UNVIEWED"
			if m.viewed[number][file.Filename] {
				state = "VIEWED"
			}
			nodes = append(nodes, map[string]interface{}{
				"path":              file.Filename,
				"viewerViewedState": state,
			})
		}
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"repository": map[string]interface{}{
					"pullRequest": map[string]interface{}{
						"id": fmt.Sprintf("PR_%d", number),
						"files": map[string]interface{}{
							"pageInfo": map[string]interface{}{"hasNextPage": false},
							"nodes":    nodes,
						},
					},
				},
			},
		})
	case strings.Contains(payload.Query, "markFileAsViewed") || strings.Contains(payload.Query, "unmarkFileAsViewed"):
		pullID, _ := payload.Variables["pullRequestId"].(string)
		path, _ := payload.Variables["path"].(string)
		var pullNumber int64
		fmt.Sscanf(pullID, "PR_%d", &pullNumber)
		if m.viewed[pullNumber] == nil {
			m.viewed[pullNumber] = make(map[string]bool)
		}
		m.viewed[pullNumber][path] = !strings.Contains(payload.Query, "unmarkFileAsViewed")
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{}})
	default:
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{}})
	}
}

func issueETag(issue *Issue) string {
	return fmt.Sprintf(`"issue-%d-%d"`, issue.Number, issue.UpdatedAt.UnixNano())
}

func commentsETag(comments []Comment) string {
	h := fnv.New64a()
	for _, comment := range comments {
		fmt.Fprintf(h, "%d:%d;", comment.ID, comment.UpdatedAt.UnixNano())
	}
	return fmt.Sprintf(`"comments-%x"`, h.Sum64())
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func perPageParam(r *http.Request) int {
	per, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || per < 1 {
		return perPage
	}
	return per
}

func slicePage[T any](all []*T, page, per int) []*T {
	start := (page - 1) * per
	if start >= len(all) {
		return []*T{}
	}
	end := start + per
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
