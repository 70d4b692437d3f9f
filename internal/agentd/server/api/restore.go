package api

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// skippedPrefixes are pseudo-filesystems an image restore must never
// write into.
var skippedPrefixes = []string{"proc/", "sys/", "dev/"}

// handleRestoreSnapshot reinstalls the filesystem from a machine image.
// Chunked snapshots arrive as multiple presigned URLs streamed in order
// into a single tar stream. The restore runs under a hard deadline; the
// controller judges success by re-probing /health afterwards.
func (s *Server) handleRestoreSnapshot(c *gin.Context) {
	var req types.RestoreSnapshotRequest
	if !s.bindSealed(c, &req) {
		return
	}
	urls := req.URLs()
	if len(urls) == 0 {
		s.sealError(c, http.StatusBadRequest, "no download urls provided")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), restoreDeadline)
	defer cancel()

	start := time.Now()
	if err := restoreArchive(ctx, urls, s.cfg.RestoreRoot, s.logger); err != nil {
		s.logger.Error("snapshot restore failed", zap.Error(err))
		s.sealError(c, http.StatusInternalServerError, "restore failed: "+err.Error())
		return
	}
	s.logger.Info("snapshot restored",
		zap.Int("chunks", len(urls)),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	s.seal(c, http.StatusOK, types.StatusResponse{Status: "restored"})
}

// restoreArchive streams the chunk URLs in order through one tar reader
// and unpacks over root. Per-entry failures are logged and skipped: the
// image lands on a live system where some paths are busy, and the
// controller's health probe is the real success check.
func restoreArchive(ctx context.Context, urls []string, root string, log *logger.Logger) error {
	src := &chunkReader{ctx: ctx, client: http.DefaultClient, urls: urls}
	defer func() { _ = src.Close() }()

	tr := tar.NewReader(src)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt archive after %d entries: %w", files, err)
		}
		target, ok := safeTarget(root, hdr.Name)
		if !ok {
			continue
		}
		if err := extractEntry(tr, hdr, root, target); err != nil {
			log.Warn("skipping archive entry",
				zap.String("path", hdr.Name), zap.Error(err))
			continue
		}
		files++
	}
	log.Info("archive unpacked", zap.Int("entries", files), zap.String("root", root))
	return nil
}

// safeTarget resolves an archive name under root, rejecting escapes and
// pseudo-filesystem paths.
func safeTarget(root, name string) (string, bool) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return "", false
	}
	for _, prefix := range skippedPrefixes {
		if strings.HasPrefix(clean+"/", prefix) {
			return "", false
		}
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root, target string) error {
	mode := hdr.FileInfo().Mode()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		_ = os.Chmod(target, mode.Perm())
		return nil

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		// Unlink first: overwriting a running binary in place fails with
		// ETXTBSY, replacing the inode does not.
		_ = os.Remove(target)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		linkTarget, ok := safeTarget(root, hdr.Linkname)
		if !ok {
			return fmt.Errorf("link target outside root: %s", hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(linkTarget, target)

	default:
		// Devices, FIFOs and the rest are not part of an agent's state.
		return nil
	}
}

// chunkReader presents the ordered chunk downloads as one stream. Each
// URL is fetched lazily when the previous chunk is exhausted.
type chunkReader struct {
	ctx    context.Context
	client *http.Client
	urls   []string
	next   int
	cur    io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= len(r.urls) {
				return 0, io.EOF
			}
			body, err := r.open(r.urls[r.next])
			if err != nil {
				return 0, fmt.Errorf("chunk %d: %w", r.next, err)
			}
			r.next++
			r.cur = body
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

func (r *chunkReader) open(url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
