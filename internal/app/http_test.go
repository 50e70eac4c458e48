package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/gitrepo"
	"cellucid/annotation/internal/rbac"
)

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

type tokens struct {
	author, alice, bob, viewer string
}

func newTokens(t *testing.T) tokens {
	return tokens{
		author: issueTestToken(t, "mod", rbac.RoleAuthor),
		alice:  issueTestToken(t, "alice", rbac.RoleContributor),
		bob:    issueTestToken(t, "bob", rbac.RoleContributor),
		viewer: issueTestToken(t, "vic", rbac.RoleViewer),
	}
}

func enableField(t *testing.T, h http.Handler, token, field string) {
	t.Helper()
	rr := doJSON(t, h, http.MethodPut, "/api/fields/"+field, token, map[string]any{"annotated": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func addSuggestion(t *testing.T, h http.Handler, token, bucket, label string) string {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/api/buckets/"+bucket+"/suggestions", token, map[string]any{"label": label})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created annotation.Suggestion
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/merges", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/merges", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeMap(t, rr)["code"])

	tok := newTokens(t)
	rr = doJSON(t, h, http.MethodGet, "/api/merges", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, decodeMap(t, rr)["items"])
}

func TestSessionAndLogout(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)

	body := decodeMap(t, doJSON(t, h, http.MethodGet, "/api/session", "", nil))
	assert.Equal(t, false, body["authenticated"])

	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/session", tok.alice, nil))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "alice", body["userId"])
	assert.Equal(t, "alice display", body["userName"])
	assert.Equal(t, "contributor", body["role"])

	rr := doJSON(t, h, http.MethodPost, "/api/session/logout", tok.alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/merges", tok.alice, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/session", tok.alice, nil))
	assert.Equal(t, false, body["authenticated"])
}

func TestVotingFlow(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)

	rr := doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions", tok.alice, map[string]any{"label": "Macrophage"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, "field is not annotated yet")

	enableField(t, h, tok.author, "cell_type")
	id := addSuggestion(t, h, tok.alice, "cell_type/0", "Macrophage")

	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions/"+id+"/votes", tok.bob, map[string]any{"direction": "up"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeMap(t, rr)
	assert.Equal(t, "up", body["vote"])
	consensus := body["consensus"].(map[string]any)
	assert.Equal(t, "consensus", consensus["status"])
	assert.Equal(t, "Macrophage", consensus["label"])

	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/buckets/cell_type/0/suggestions/"+id+"/votes/me", tok.bob, nil))
	assert.Equal(t, "up", body["direct"])
	assert.Equal(t, "direct", body["bundle"].(map[string]any)["source"])

	// Same direction again toggles the vote off.
	body = decodeMap(t, doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions/"+id+"/votes", tok.bob, map[string]any{"direction": "up"}))
	assert.Nil(t, body["vote"])

	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions/"+id+"/votes", tok.viewer, map[string]any{"direction": "up"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", decodeMap(t, rr)["code"])

	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions/"+id+"/votes", tok.bob, map[string]any{"direction": "sideways"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeMap(t, rr)["code"])

	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions/missing/votes", tok.bob, map[string]any{"direction": "up"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/buckets/cell_type/x/suggestions", tok.bob, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/0/suggestions", tok.bob, map[string]any{"label": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestFieldConfiguration(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)

	rr := doJSON(t, h, http.MethodPut, "/api/fields/cell_type", tok.alice, map[string]any{"annotated": true})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/api/fields/cell_type", tok.author, map[string]any{
		"annotated": true,
		"settings":  map[string]any{"minVoters": 3},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeMap(t, rr)
	assert.Equal(t, true, body["annotated"])
	assert.Equal(t, float64(3), body["effectiveSettings"].(map[string]any)["minVoters"])

	id := addSuggestion(t, h, tok.alice, "cell_type/2", "B cell")
	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/2/suggestions/"+id+"/votes", tok.alice, map[string]any{"direction": "up"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pending", decodeMap(t, rr)["consensus"].(map[string]any)["status"])

	rr = doJSON(t, h, http.MethodPut, "/api/fields/cell_type", tok.author, map[string]any{"closed": true})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, h, http.MethodPost, "/api/buckets/cell_type/2/suggestions/"+id+"/votes", tok.bob, map[string]any{"direction": "up"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/fields/cell_type/consensus", tok.viewer, nil))
	assert.Len(t, body["buckets"], 1)

	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/fields", tok.viewer, nil))
	assert.Len(t, body["items"], 1)
}

func TestCommentsAndMerges(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)
	enableField(t, h, tok.author, "cell_type")

	macro := addSuggestion(t, h, tok.alice, "cell_type/0", "Macrophage")
	dup := addSuggestion(t, h, tok.bob, "cell_type/0", "MACROPHAGE")
	base := "/api/buckets/cell_type/0"

	rr := doJSON(t, h, http.MethodPost, base+"/suggestions/"+macro+"/comments", tok.bob, map[string]any{"text": "CD68 positive"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	commentID := decodeMap(t, rr)["id"].(string)

	rr = doJSON(t, h, http.MethodPatch, base+"/suggestions/"+macro+"/comments/"+commentID, tok.alice, map[string]any{"text": "hijack"})
	assert.Equal(t, http.StatusForbidden, rr.Code, "only the comment author may edit")

	rr = doJSON(t, h, http.MethodPatch, base+"/suggestions/"+macro+"/comments/"+commentID, tok.bob, map[string]any{"text": "CD68 and CD163 positive"})
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeMap(t, doJSON(t, h, http.MethodGet, base+"/suggestions/"+macro+"/comments", tok.viewer, nil))
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "CD68 and CD163 positive", items[0].(map[string]any)["text"])

	body = decodeMap(t, doJSON(t, h, http.MethodGet, base+"/duplicates", tok.viewer, nil))
	assert.Len(t, body["groups"], 1)

	merge := map[string]any{"fromSuggestionId": dup, "intoSuggestionId": macro, "note": "same label"}
	rr = doJSON(t, h, http.MethodPost, base+"/merges", tok.alice, merge)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = doJSON(t, h, http.MethodPost, base+"/merges", tok.author, merge)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, base+"/suggestions/"+dup+"/votes", tok.bob, map[string]any{"direction": "up"})
	require.Equal(t, http.StatusOK, rr.Code)
	consensus := decodeMap(t, rr)["consensus"].(map[string]any)
	assert.Equal(t, "Macrophage", consensus["label"], "member votes count for the bundle root")

	rr = doJSON(t, h, http.MethodPatch, base+"/merges/"+dup, tok.author, map[string]any{"note": "same label, upper case"})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeMap(t, doJSON(t, h, http.MethodGet, "/api/merges", tok.viewer, nil))
	edges := body["items"].([]any)
	require.Len(t, edges, 1)
	assert.Equal(t, "same label, upper case", edges[0].(map[string]any)["note"])

	rr = doJSON(t, h, http.MethodDelete, base+"/suggestions/"+macro, tok.alice, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeMap(t, rr)["detachedMerges"], 1)

	rr = doJSON(t, h, http.MethodDelete, base+"/merges/"+dup, tok.author, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPublishEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)
	enableField(t, h, tok.author, "cell_type")
	addSuggestion(t, h, tok.alice, "cell_type/0", "Macrophage")

	rr := doJSON(t, h, http.MethodPost, "/api/publish", tok.alice, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/publish", tok.author, map[string]any{"message": "first cut"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var first PublishResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	assert.Equal(t, "abc1234", first.Commit)
	assert.Equal(t, int64(1), first.SnapshotID)
	assert.NotNil(t, first.Archive)
	assert.False(t, first.Unchanged)

	rr = doJSON(t, h, http.MethodPost, "/api/publish", tok.author, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var second PublishResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, env.git.commitCount())

	env.git.snapshotByHashFn = func(dataset, hash string) (annotation.Snapshot, gitrepo.CommitInfo, error) {
		if hash != "abc1234" {
			return annotation.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrNotFound
		}
		return env.engine.Snapshot(), gitrepo.CommitInfo{Hash: hash}, nil
	}
	rr = doJSON(t, h, http.MethodGet, "/api/publish/abc1234", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, h, http.MethodGet, "/api/publish/fffffff", tok.viewer, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/publish/history", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, decodeMap(t, rr)["items"])
}

func TestSnapshotRestore(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)
	enableField(t, h, tok.author, "cell_type")
	addSuggestion(t, h, tok.alice, "cell_type/0", "Macrophage")

	rr := doJSON(t, h, http.MethodGet, "/api/snapshot", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Snapshot-Fingerprint"))
	var snap annotation.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))

	addSuggestion(t, h, tok.bob, "cell_type/1", "T cell")
	require.Len(t, env.engine.Buckets("cell_type"), 2)

	rr = doJSON(t, h, http.MethodPut, "/api/snapshot", tok.alice, snap)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, h, http.MethodPut, "/api/snapshot", tok.author, snap)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, env.engine.Buckets("cell_type"), 1)
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)
	enableField(t, h, tok.author, "cell_type")
	addSuggestion(t, h, tok.alice, "cell_type/0", "Macrophage")

	rr := doJSON(t, h, http.MethodGet, "/api/fields/cell_type/export?format=html&archive=true", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".html")
	assert.Contains(t, rr.Body.String(), "Macrophage")
	assert.Len(t, env.archive.reports, 1)

	rr = doJSON(t, h, http.MethodGet, "/api/fields/cell_type/export?format=odt", tok.viewer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/fields/tissue/export?format=html", tok.viewer, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := NewHTTPServer(env.svc, "*").Handler()
	tok := newTokens(t)

	rr := doJSON(t, h, http.MethodGet, "/api/search", tok.viewer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/search?q=macro&field=cell_type&limit=5", tok.viewer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeMap(t, rr)
	assert.Equal(t, "fake", body["source"])
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.Bootstrap(context.Background()))
	srv := httptest.NewServer(NewHTTPServer(env.svc, "*").Handler())
	t.Cleanup(srv.Close)
	tok := newTokens(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?access_token="+tok.viewer, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, _ := nextEvent()
	require.Equal(t, "connected", event)

	mod := annotation.Actor{Username: "mod", Role: rbac.RoleAuthor}
	require.NoError(t, env.engine.SetFieldAnnotated("cell_type", true, mod))

	event, data := nextEvent()
	require.Equal(t, "change", event)
	var change annotation.Change
	require.NoError(t, json.Unmarshal([]byte(data), &change))
	assert.Equal(t, annotation.OpFieldConfig, change.Op)
	assert.Equal(t, "cell_type", change.Field)
	assert.Equal(t, "mod", change.Actor)
}
