package remotetree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/paladugu82/node-smb-server-sub001/internal/rqio"
)

// itemDTO is the wire shape of a single DAM item as returned by the list
// and stat endpoints.
type itemDTO struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModifiedMs"`
	IsDir        bool   `json:"isDirectory"`
}

func (d itemDTO) toStat() rqio.Stat {
	return rqio.Stat{Path: d.Path, Size: d.Size, LastModified: d.LastModified, IsDir: d.IsDir}
}

// Tree is the default rqio.RemoteTree implementation: an HTTP client
// against the DAM's /api/v1 item endpoints (see SPEC_FULL.md §4.I).
// Metadata calls (list/stat/delete/move/create-directory) and transfer
// calls (upload/download) go through separate Clients so a short metadata
// timeout can't abort a large in-flight transfer, mirroring the teacher's
// metadata-vs-transfer HTTP client split.
type Tree struct {
	client   *Client
	transfer *Client
}

// New wraps client as an rqio.RemoteTree, using it for both metadata and
// transfer calls.
func New(client *Client) *Tree {
	return &Tree{client: client, transfer: client}
}

// NewWithTransfer wraps meta and transfer as an rqio.RemoteTree, routing
// uploads/downloads through transfer and everything else through meta.
func NewWithTransfer(meta, transfer *Client) *Tree {
	return &Tree{client: meta, transfer: transfer}
}

func itemsPath(path string) string {
	return "/api/v1/items?path=" + url.QueryEscape(path)
}

func (t *Tree) List(ctx context.Context, path string) ([]rqio.Stat, error) {
	resp, err := t.client.do(ctx, http.MethodGet, "/api/v1/items/list?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("remotetree: list %s: %w", path, err)
	}
	defer resp.Body.Close()

	var items []itemDTO
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("remotetree: decode list %s: %w", path, err)
	}

	out := make([]rqio.Stat, 0, len(items))
	for _, it := range items {
		out = append(out, it.toStat())
	}

	return out, nil
}

func (t *Tree) Stat(ctx context.Context, path string) (rqio.Stat, error) {
	resp, err := t.client.do(ctx, http.MethodGet, itemsPath(path), nil)
	if err != nil {
		return rqio.Stat{}, fmt.Errorf("remotetree: stat %s: %w", path, err)
	}
	defer resp.Body.Close()

	var dto itemDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return rqio.Stat{}, fmt.Errorf("remotetree: decode stat %s: %w", path, err)
	}

	return dto.toStat(), nil
}

func (t *Tree) Open(ctx context.Context, path string) (rqio.RemoteHandle, error) {
	stat, err := t.Stat(ctx, path)
	if err != nil {
		return nil, err
	}

	return &remoteHandle{transfer: t.transfer, path: path, stat: stat}, nil
}

// CreateFileResource uploads path as a new object via a multipart POST.
// Returns an rqerr.ErrConflict-classified error if the remote already has
// an object at path; the processor converts that into an update.
func (t *Tree) CreateFileResource(ctx context.Context, remotePath string, localBytes io.Reader, size int64, progress rqio.ProgressFunc) error {
	return t.upload(ctx, http.MethodPost, remotePath, localBytes, size, progress)
}

// UpdateResource overwrites an existing object via a multipart PUT.
// Returns an rqerr.ErrNotFound-classified error if nothing exists at path;
// the processor converts that into a create.
func (t *Tree) UpdateResource(ctx context.Context, remotePath string, localBytes io.Reader, size int64, progress rqio.ProgressFunc) error {
	return t.upload(ctx, http.MethodPut, remotePath, localBytes, size, progress)
}

func (t *Tree) upload(ctx context.Context, method, remotePath string, localBytes io.Reader, size int64, progress rqio.ProgressFunc) error {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("content", remotePath)
	if err != nil {
		return fmt.Errorf("remotetree: building multipart body: %w", err)
	}

	written, err := io.Copy(part, &progressReader{r: localBytes, progress: progress, total: size})
	if err != nil {
		return fmt.Errorf("remotetree: reading upload body: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("remotetree: closing multipart body: %w", err)
	}

	// bytes.NewReader (not &buf) so the retry loop can rewind the body via
	// io.Seeker on a retried attempt.
	resp, err := t.transfer.doWithContentType(ctx, method, itemsPath(remotePath), bytes.NewReader(buf.Bytes()), mw.FormDataContentType())
	if err != nil {
		return fmt.Errorf("remotetree: upload %s (%d bytes): %w", remotePath, written, err)
	}

	return resp.Body.Close()
}

func (t *Tree) DeleteResource(ctx context.Context, path string, _ bool) error {
	resp, err := t.client.do(ctx, http.MethodDelete, itemsPath(path), nil)
	if err != nil {
		return fmt.Errorf("remotetree: delete %s: %w", path, err)
	}

	return resp.Body.Close()
}

func (t *Tree) RenameResource(ctx context.Context, oldPath, newPath string) error {
	body, err := json.Marshal(map[string]string{"from": oldPath, "to": newPath})
	if err != nil {
		return fmt.Errorf("remotetree: encoding move body: %w", err)
	}

	resp, err := t.client.doWithContentType(ctx, http.MethodPost, "/api/v1/items/move", bytes.NewReader(body), "application/json")
	if err != nil {
		return fmt.Errorf("remotetree: move %s -> %s: %w", oldPath, newPath, err)
	}

	return resp.Body.Close()
}

func (t *Tree) CreateDirectoryResource(ctx context.Context, path string) error {
	resp, err := t.client.do(ctx, http.MethodPost, "/api/v1/folders?path="+url.QueryEscape(path), nil)
	if err != nil {
		return fmt.Errorf("remotetree: create directory %s: %w", path, err)
	}

	return resp.Body.Close()
}

// progressReader wraps an io.Reader, invoking progress after each Read.
type progressReader struct {
	r        io.Reader
	progress rqio.ProgressFunc
	total    int64
	read     int64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)

	if p.progress != nil && n > 0 {
		p.progress(p.read, p.total, 0)
	}

	return n, err
}

type remoteHandle struct {
	transfer *Client
	path     string
	stat     rqio.Stat
}

func (h *remoteHandle) Stat() rqio.Stat { return h.stat }

func (h *remoteHandle) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	resp, err := h.transfer.doRange(ctx, "/api/v1/items/content?path="+url.QueryEscape(h.path), off, length)
	if err != nil {
		return nil, fmt.Errorf("remotetree: read range %s: %w", h.path, err)
	}

	return resp.Body, nil
}

func (h *remoteHandle) Close() error { return nil }
