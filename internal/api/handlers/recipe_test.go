package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"imageforge/internal/db"

	"github.com/gin-gonic/gin"
)

func multipartRecipe(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)

	fw, err := mw.CreateFormFile("manifest", "requirements.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("fastapi==0.110.0\n")); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := mw.WriteField("data", `{"name":"api","base_image":"python:3.13-slim-bullseye"}`); err != nil {
		t.Fatalf("write data field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	return body, mw.FormDataContentType()
}

func TestCreateRecipeDeletesManifestOnConflict(t *testing.T) {
	fdb := &fakeHandlersDB{createRecipeErr: db.ErrAlreadyExists}
	store := &fakeArtifactStore{}
	h := &Handlers{db: fdb, store: store, logger: testLogger()}

	body, contentType := multipartRecipe(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/recipes", body)
	c.Request.Header.Set("Content-Type", contentType)

	h.CreateRecipe(c)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusConflict, w.Body.String())
	}
	if len(store.uploaded) != 1 {
		t.Fatalf("expected 1 manifest upload, got %d", len(store.uploaded))
	}
	if len(store.deleted) != 1 || store.deleted[0] != store.uploaded[0] {
		t.Fatalf("uploaded manifest %v not cleaned up, deleted %v", store.uploaded, store.deleted)
	}
}

func TestCreateRecipeKeepsManifestOnSuccess(t *testing.T) {
	fdb := &fakeHandlersDB{}
	store := &fakeArtifactStore{}
	h := &Handlers{db: fdb, store: store, logger: testLogger()}

	body, contentType := multipartRecipe(t)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/recipes", body)
	c.Request.Header.Set("Content-Type", contentType)

	h.CreateRecipe(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if len(store.deleted) != 0 {
		t.Fatalf("manifest deleted on success: %v", store.deleted)
	}
}
