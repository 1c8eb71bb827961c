/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbenchlabs/sessiond/internal/checkpoint"
	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/keys"
	"github.com/workbenchlabs/sessiond/internal/recovery"
	"github.com/workbenchlabs/sessiond/internal/retention"
	"github.com/workbenchlabs/sessiond/internal/session"
	"github.com/workbenchlabs/sessiond/internal/state"
	"github.com/workbenchlabs/sessiond/internal/store"
	"github.com/workbenchlabs/sessiond/pkg/logctx"
)

const testPassword = "CorrectHorse7!"

func testServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	kdf := cryptoutil.KDFParams{Algorithm: cryptoutil.KDFPBKDF2, Iterations: 1000}

	sessCfg := session.DefaultConfig()
	sessCfg.KDF = kdf
	sessions := session.NewEngine(st, recovery.NewEngine(logr.Discard()), logr.Discard(), sessCfg)

	cpCfg := checkpoint.DefaultConfig()
	cpCfg.KDF = kdf
	checkpoints := checkpoint.NewEngine(st, logr.Discard(), cpCfg)

	km := keys.NewManager(st, logr.Discard(), keys.WithKDFParams(kdf))
	ret := retention.NewEngine(st, retention.DefaultPolicy(), nil, logr.Discard())

	h := NewHandler(sessions, checkpoints, km, recovery.NewEngine(logr.Discard()), ret, logr.Discard())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func newStatePayload() *state.WorkspaceState {
	s := state.NewWorkspaceState()
	s.Terminals = []state.Terminal{{ID: "t1", Command: "go test ./...", IsActive: true}}
	s.OpenFiles = []state.OpenFile{{Path: "/main.go", Content: "package main"}}
	return s
}

func createSession(t *testing.T, srv *httptest.Server) *store.Session {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", createSessionRequest{
		UserID: "u1", WorkspaceID: "ws1", Name: "work", State: newStatePayload(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SessionResponse](t, resp).Session
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := testServer(t)

	sess := createSession(t, srv)
	require.NotEmpty(t, sess.ID)
	assert.True(t, sess.IsActive)
	assert.Equal(t, int64(1), sess.Version)

	// Read back including state.
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SessionResponse](t, resp)
	require.NotNil(t, got.State)
	assert.Len(t, got.State.Terminals, 1)

	// Update bumps the version.
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/sessions/"+sess.ID,
		updateSessionRequest{State: newStatePayload()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[SessionResponse](t, resp)
	assert.Equal(t, int64(2), updated.Session.Version)

	// Delete, then 404 on read.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSession_MissingFields(t *testing.T) {
	srv, _ := testServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions",
		createSessionRequest{UserID: "u1", State: newStatePayload()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	srv, _ := testServer(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", createSessionRequest{
			UserID: "u1", WorkspaceID: fmt.Sprintf("ws%d", i), State: newStatePayload(),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions?userId=u1&pageSize=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[SessionListResponse](t, resp)
	assert.Equal(t, int64(3), list.Total)
	assert.Len(t, list.Sessions, 2)
	assert.True(t, list.HasMore)

	// The final page is short but still the last one.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions?userId=u1&pageSize=2&page=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[SessionListResponse](t, resp)
	assert.Len(t, list.Sessions, 1)
	assert.False(t, list.HasMore)

	// userId is mandatory.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateSession(t *testing.T) {
	srv, st := testServer(t)

	first := createSession(t, srv)
	second := createSession(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+first.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := st.Sessions().Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestCheckpointEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	sess := createSession(t, srv)
	base := srv.URL + "/api/v1/sessions/" + sess.ID + "/checkpoints"

	// Create.
	resp := doJSON(t, http.MethodPost, base, createCheckpointRequest{
		Name: "before refactor", Tags: []string{"stable"}, State: newStatePayload(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cp := decode[store.Checkpoint](t, resp)
	assert.Equal(t, store.PriorityMedium, cp.Priority)

	// Validation error surfaces as 400.
	resp = doJSON(t, http.MethodPost, base, createCheckpointRequest{State: newStatePayload()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// List.
	resp = doJSON(t, http.MethodGet, base+"?tag=stable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[checkpoint.ListResult](t, resp)
	assert.Equal(t, int64(1), list.Total)

	// Statistics.
	resp = doJSON(t, http.MethodGet, base+"/statistics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[checkpoint.Statistics](t, resp)
	assert.Equal(t, int64(1), stats.TotalCheckpoints)

	// Update mutable fields.
	name := "renamed"
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/checkpoints/"+cp.ID,
		updateCheckpointRequest{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", decode[store.Checkpoint](t, resp).Name)

	// Restore.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/checkpoints/"+cp.ID+"/restore",
		restoreCheckpointRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restored := decode[SessionResponse](t, resp)
	assert.Equal(t, int64(2), restored.Session.Version)

	// Batched delete reports per-item outcomes.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/checkpoints/delete",
		deleteCheckpointsRequest{CheckpointIDs: []string{cp.ID, "missing"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	del := decode[checkpoint.DeleteResult](t, resp)
	assert.Equal(t, 1, del.Deleted)
	assert.Contains(t, del.Errors, "missing")
}

func TestKeyEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	// Create.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/keys", createKeyRequest{
		UserID: "u1", KeyName: "primary", Password: testPassword,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key := decode[store.UserEncryptionKey](t, resp)
	require.NotEmpty(t, key.KeyID)

	// Weak password rejected.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/keys", createKeyRequest{
		UserID: "u1", KeyName: "weak", Password: "password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Duplicate name conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/keys", createKeyRequest{
		UserID: "u1", KeyName: "primary", Password: testPassword,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// List never leaks wrapped key material.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/v1/keys?userId=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listBody map[string][]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listBody))
	require.Len(t, listBody["keys"], 1)
	assert.NotContains(t, listBody["keys"][0], "encryptedSessionKey")
	assert.NotContains(t, listBody["keys"][0], "salt")

	// Validate with the right and wrong password.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/keys/"+key.KeyID+"/validate",
		validateKeyRequest{UserID: "u1", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[keys.ValidationResult](t, resp).IsValid)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/keys/"+key.KeyID+"/validate",
		validateKeyRequest{UserID: "u1", Password: "Wrong-Password-1!"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[keys.ValidationResult](t, resp).IsValid)

	// Deleting the only active key is refused.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/keys/"+key.KeyID,
		deleteKeyRequest{UserID: "u1", Password: testPassword})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMergeEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	a := state.NewWorkspaceState()
	a.Terminals = []state.Terminal{{ID: "1", Command: "ls"}}
	b := state.NewWorkspaceState()
	b.Terminals = []state.Terminal{{ID: "2", Command: "pwd"}}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/recovery/merge", mergeRequest{
		Candidates: []recovery.Candidate{
			{State: a, LastSavedAt: now},
			{State: b, LastSavedAt: now.Add(-time.Hour)},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	merged := decode[recovery.MergeResult](t, resp)
	assert.Len(t, merged.ResolvedState.Terminals, 2)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/recovery/merge", mergeRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/recovery/merge", mergeRequest{
		Candidates: []recovery.Candidate{{State: a, LastSavedAt: now}},
		Strategy:   "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanupEndpoint(t *testing.T) {
	srv, st := testServer(t)

	// An inactive session expired well past the grace period.
	past := time.Now().UTC().Add(-70 * 24 * time.Hour)
	ctx := context.Background()
	require.NoError(t, st.Sessions().Create(ctx, &store.Session{
		ID: "old", UserID: "u1", WorkspaceID: "ws1",
		LastSavedAt: past, ExpiresAt: past.Add(30 * 24 * time.Hour), CreatedAt: past,
		Version: 1, Payload: []byte("x"),
	}))
	require.NoError(t, st.Metadata().Upsert(ctx, &store.SessionMetadata{
		SessionID: "old", UserID: "u1", WorkspaceID: "ws1", LastSavedAt: past, TotalSize: 1,
	}))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[retention.Result](t, resp)
	assert.Equal(t, int64(1), result.TotalSessionsDeleted)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logctx.RequestID(r.Context())
	})

	// Generated when absent.
	rec := httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	// Preserved when supplied by the client.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "client-id")
	rec = httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(rec, req)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", rec.Header().Get(HeaderRequestID))
}

func TestMetricsMiddleware_RecordsRequests(t *testing.T) {
	m := NewHTTPMetricsWithRegistry(prometheus.NewRegistry())
	wrapped := MetricsMiddleware(m, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
