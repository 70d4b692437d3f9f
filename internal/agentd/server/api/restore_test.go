package api

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

func TestSafeTarget(t *testing.T) {
	root := "/restore"
	cases := []struct {
		name string
		want string
		ok   bool
	}{
		{"etc/app.conf", "/restore/etc/app.conf", true},
		{"/etc/app.conf", "/restore/etc/app.conf", true},
		{"./etc/app.conf", "/restore/etc/app.conf", true},
		{"../../escape", "/restore/escape", true},
		{"a/../../b", "/restore/b", true},
		{"proc/1/status", "", false},
		{"proc", "", false},
		{"sys/kernel", "", false},
		{"dev/null", "", false},
		{"process/data", "/restore/process/data", true},
		{"", "", false},
		{".", "", false},
	}
	for _, tc := range cases {
		got, ok := safeTarget(root, tc.name)
		if ok != tc.ok || got != tc.want {
			t.Errorf("safeTarget(%q) = (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

// buildImageTar assembles a snapshot-shaped archive: a tree with scripts,
// a symlink, a hardlink, plus entries a restore must refuse to unpack.
func buildImageTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	add := func(hdr *tar.Header, body string) {
		t.Helper()
		if body != "" {
			hdr.Size = int64(len(body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %q: %v", hdr.Name, err)
		}
		if body != "" {
			if _, err := tw.Write([]byte(body)); err != nil {
				t.Fatalf("write body %q: %v", hdr.Name, err)
			}
		}
	}

	add(&tar.Header{Name: "app/", Typeflag: tar.TypeDir, Mode: 0o755}, "")
	add(&tar.Header{Name: "app/run.sh", Typeflag: tar.TypeReg, Mode: 0o755}, "#!/bin/sh\necho hi\n")
	add(&tar.Header{Name: "etc/app.json", Typeflag: tar.TypeReg, Mode: 0o644}, `{"workers":4}`)
	add(&tar.Header{Name: "app/link", Typeflag: tar.TypeSymlink, Linkname: "run.sh", Mode: 0o777}, "")
	add(&tar.Header{Name: "app/run2.sh", Typeflag: tar.TypeLink, Linkname: "app/run.sh", Mode: 0o755}, "")
	add(&tar.Header{Name: "proc/1/status", Typeflag: tar.TypeReg, Mode: 0o444}, "Name: init\n")
	add(&tar.Header{Name: "../escape.txt", Typeflag: tar.TypeReg, Mode: 0o644}, "contained\n")

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// serveChunks exposes each byte slice under its own URL.
func serveChunks(t *testing.T, chunks ...[]byte) []string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/chunk/"))
		if err != nil || i < 0 || i >= len(chunks) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(chunks[i])
	}))
	t.Cleanup(srv.Close)

	urls := make([]string, len(chunks))
	for i := range chunks {
		urls[i] = srv.URL + "/chunk/" + strconv.Itoa(i)
	}
	return urls
}

func TestRestoreArchiveChunked(t *testing.T) {
	raw := buildImageTar(t)
	// Split mid-stream so the second chunk starts inside an entry.
	cut := len(raw) / 2
	urls := serveChunks(t, raw[:cut], raw[cut:])

	root := t.TempDir()
	// Pre-seed stale state the restore must replace.
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "run.sh"), []byte("old\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "link"), []byte("not a link\n"), 0o644); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	if err := restoreArchive(context.Background(), urls, root, logger.Default()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	run, err := os.ReadFile(filepath.Join(root, "app", "run.sh"))
	if err != nil {
		t.Fatalf("run.sh: %v", err)
	}
	if !strings.Contains(string(run), "echo hi") {
		t.Fatalf("run.sh not replaced: %q", run)
	}
	info, err := os.Stat(filepath.Join(root, "app", "run.sh"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("run.sh mode = %v, want 0755", info.Mode().Perm())
	}

	cfgRaw, err := os.ReadFile(filepath.Join(root, "etc", "app.json"))
	if err != nil || string(cfgRaw) != `{"workers":4}` {
		t.Fatalf("app.json = %q, %v", cfgRaw, err)
	}

	linkDest, err := os.Readlink(filepath.Join(root, "app", "link"))
	if err != nil {
		t.Fatalf("stale file not replaced by symlink: %v", err)
	}
	if linkDest != "run.sh" {
		t.Fatalf("symlink dest = %q", linkDest)
	}

	hard, err := os.ReadFile(filepath.Join(root, "app", "run2.sh"))
	if err != nil || !strings.Contains(string(hard), "echo hi") {
		t.Fatalf("hardlink = %q, %v", hard, err)
	}

	if _, err := os.Stat(filepath.Join(root, "proc")); !os.IsNotExist(err) {
		t.Fatal("proc entry was unpacked")
	}
	// The traversal entry lands inside the root, never outside it.
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err != nil {
		t.Fatalf("contained escape entry missing: %v", err)
	}
}

func TestRestoreArchiveBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	err := restoreArchive(context.Background(), []string{srv.URL}, t.TempDir(), logger.Default())
	if err == nil {
		t.Fatal("expected error for failed download")
	}
	if !strings.Contains(err.Error(), "download failed with status 403") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRestoreArchiveCorrupt(t *testing.T) {
	urls := serveChunks(t, bytes.Repeat([]byte{0x42}, 1024))

	err := restoreArchive(context.Background(), urls, t.TempDir(), logger.Default())
	if err == nil {
		t.Fatal("expected error for garbage stream")
	}
	if !strings.Contains(err.Error(), "corrupt archive") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRestoreSnapshotEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := postSealed(t, s, "/restore-snapshot", types.RestoreSnapshotRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty request: status = %d, want 400", w.Code)
	}

	urls := serveChunks(t, buildImageTar(t))
	w = postSealed(t, s, "/restore-snapshot", types.RestoreSnapshotRequest{PresignedDownloadURL: urls[0]})
	if w.Code != http.StatusOK {
		t.Fatalf("restore: status = %d, body %s", w.Code, w.Body.String())
	}
	var ack types.StatusResponse
	openSealed(t, w, &ack)
	if ack.Status != "restored" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if _, err := os.Stat(filepath.Join(s.cfg.RestoreRoot, "app", "run.sh")); err != nil {
		t.Fatalf("restored tree missing: %v", err)
	}
}

func TestRestoreSnapshotChunkedEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	raw := buildImageTar(t)
	cut := len(raw) / 3
	urls := serveChunks(t, raw[:cut], raw[cut:])

	w := postSealed(t, s, "/restore-snapshot", types.RestoreSnapshotRequest{PresignedDownloadURLs: urls})
	if w.Code != http.StatusOK {
		t.Fatalf("restore: status = %d, body %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(s.cfg.RestoreRoot, "etc", "app.json")); err != nil {
		t.Fatalf("restored tree missing: %v", err)
	}
}
