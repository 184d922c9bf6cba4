package shortcut

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
)

func TestNew_EmptyURLNeverMatches(t *testing.T) {
	r := New("  ", 0)
	if Enabled(r) {
		t.Error("resolver without catalog url reports enabled")
	}
	_, ok, err := r.Resolve(context.Background(), extraction.Target{ItemID: "A-1"})
	if ok || err != nil {
		t.Errorf("Resolve = ok %v, err %v; want miss", ok, err)
	}
}

func TestHTTPResolver_Match(t *testing.T) {
	var gotItem, gotDesc string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotItem = r.URL.Query().Get("item_id")
		gotDesc = r.URL.Query().Get("description")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"match":true,"candidate":{"description":"Cordless Drill","price":99.5,"category":"Tools"}}`))
	}))
	defer srv.Close()

	r := New(srv.URL+"/lookup", time.Second)
	if !Enabled(r) {
		t.Fatal("resolver with url reports disabled")
	}
	cand, ok, err := r.Resolve(context.Background(), extraction.Target{ItemID: "A-1", Description: "drill"})
	if err != nil || !ok {
		t.Fatalf("Resolve = ok %v, err %v", ok, err)
	}
	if gotItem != "A-1" || gotDesc != "drill" {
		t.Errorf("query item_id=%q description=%q", gotItem, gotDesc)
	}
	if cand.Description != "Cordless Drill" || cand.Price == nil || *cand.Price != 99.5 {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestHTTPResolver_Misses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ``},
		{"no match", http.StatusOK, `{"match":false}`},
		{"empty candidate", http.StatusOK, `{"match":true,"candidate":{"category":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, ok, err := New(srv.URL, time.Second).Resolve(context.Background(), extraction.Target{ItemID: "A-1"})
			if ok || err != nil {
				t.Errorf("Resolve = ok %v, err %v; want miss", ok, err)
			}
		})
	}
}

func TestHTTPResolver_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, _, err := New(srv.URL, time.Second).Resolve(context.Background(), extraction.Target{ItemID: "A-1"}); err == nil {
		t.Error("expected error on 500")
	}
}
