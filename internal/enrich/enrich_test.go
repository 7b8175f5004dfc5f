package enrich

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimal PNG signature followed by padding
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

func uploadOf(name string, content []byte) Upload {
	return Upload{
		Filename: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		},
	}
}

func TestFirstURL(t *testing.T) {
	testCases := []struct {
		name  string
		text  string
		want  string
		found bool
	}{
		{name: "none", text: "hola a todos", found: false},
		{name: "plain", text: "miren https://example.com/song ahora", want: "https://example.com/song", found: true},
		{name: "trailing-punctuation", text: "escuchen (http://example.com/a?b=1).", want: "http://example.com/a?b=1", found: true},
		{name: "first-of-many", text: "https://one.example https://two.example", want: "https://one.example", found: true},
		{name: "bare-scheme", text: "https:// nada", found: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, found := FirstURL(testCase.text)
			assert.Equal(t, testCase.found, found)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestLinkPreviewerExtractsOpenGraph(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head>
			<title>Fallback title</title>
			<meta property="og:title" content="Levitating (Official Video)">
			<meta property="og:description" content="Dua Lipa">
			<meta property="og:image" content="/thumb.jpg">
			</head><body>ignored</body></html>`)
	}))
	defer server.Close()

	previewer := NewLinkPreviewer(LinkPreviewerConfig{Client: server.Client()})
	preview, err := previewer.Fetch(context.Background(), server.URL+"/watch")
	require.NoError(t, err)

	assert.Equal(t, "Levitating (Official Video)", preview.Title)
	assert.Equal(t, "Dua Lipa", preview.Description)
	assert.Equal(t, server.URL+"/thumb.jpg", preview.Image)
	assert.Equal(t, server.URL+"/watch", preview.URL)
}

func TestLinkPreviewerFallsBackToTitleAndDescription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title> Radio   Bonsai </title><meta name="description" content="La radio"></head></html>`)
	}))
	defer server.Close()

	preview, err := NewLinkPreviewer(LinkPreviewerConfig{Client: server.Client()}).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Radio Bonsai", preview.Title)
	assert.Equal(t, "La radio", preview.Description)
	assert.Empty(t, preview.Image)
}

func TestLinkPreviewerFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, `<html><body>no head</body></html>`)
		}
	}))
	defer server.Close()

	previewer := NewLinkPreviewer(LinkPreviewerConfig{Client: server.Client()})
	for _, target := range []string{server.URL + "/missing", server.URL + "/json", server.URL + "/empty", "ftp://example.com", "https://"} {
		_, err := previewer.Fetch(context.Background(), target)
		var enrichmentErr *EnrichmentError
		require.True(t, errors.As(err, &enrichmentErr), "target %s: %v", target, err)
		assert.Equal(t, KindPreview, enrichmentErr.Kind)
	}
}

func TestDefaultPreviewerRefusesInternalAddresses(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>Admin console</title></head></html>`)
	}))
	defer server.Close()

	preview, err := NewLinkPreviewer(LinkPreviewerConfig{}).Fetch(context.Background(), server.URL+"/admin")
	var enrichmentErr *EnrichmentError
	require.True(t, errors.As(err, &enrichmentErr), "unexpected error: %v", err)
	assert.Equal(t, KindPreview, enrichmentErr.Kind)
	assert.ErrorIs(t, err, errBlockedAddress)
	assert.Empty(t, preview.Title)
	assert.Zero(t, hits.Load())
}

func TestIsPublicAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":        false,
		"::1":              false,
		"10.1.2.3":         false,
		"172.16.0.9":       false,
		"192.168.1.1":      false,
		"169.254.169.254":  false,
		"fe80::1":          false,
		"fd00::1":          false,
		"0.0.0.0":          false,
		"::":               false,
		"224.0.0.1":        false,
		"::ffff:127.0.0.1": false,
		"93.184.216.34":    true,
		"2606:4700::1111":  true,
	}
	for address, want := range cases {
		assert.Equal(t, want, isPublicAddress(netip.MustParseAddr(address)), address)
	}
}

func TestPublicClientCapsRedirects(t *testing.T) {
	client := newPublicClient(time.Second)
	next, err := http.NewRequest(http.MethodGet, "https://example.com/next", http.NoBody)
	require.NoError(t, err)

	via := make([]*http.Request, 0, maxPreviewRedirects)
	for len(via) < maxPreviewRedirects {
		require.NoError(t, client.CheckRedirect(next, via))
		via = append(via, next)
	}
	assert.ErrorIs(t, client.CheckRedirect(next, via), errTooManyRedirects)

	ftp, err := http.NewRequest(http.MethodGet, "ftp://example.com/file", http.NoBody)
	require.NoError(t, err)
	assert.Error(t, client.CheckRedirect(ftp, nil))
}

func TestDiskAttachmentStoreSavesImages(t *testing.T) {
	directory := filepath.Join(t.TempDir(), "uploads")
	store := NewDiskAttachmentStore(DiskAttachmentStoreConfig{Directory: directory})
	fixed := uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")
	store.newID = func() (uuid.UUID, error) { return fixed, nil }

	publicPath, err := store.Save(context.Background(), uploadOf("Foto.PNG", pngBytes))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/"+fixed.String()+".png", publicPath)

	stored, err := os.ReadFile(filepath.Join(directory, fixed.String()+".png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, stored)
}

func TestDiskAttachmentStoreDiscard(t *testing.T) {
	directory := t.TempDir()
	store := NewDiskAttachmentStore(DiskAttachmentStoreConfig{Directory: directory})

	publicPath, err := store.Save(context.Background(), uploadOf("foto.png", pngBytes))
	require.NoError(t, err)
	require.NoError(t, store.Discard(publicPath))
	_, err = os.Stat(filepath.Join(directory, filepath.Base(publicPath)))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, store.Discard(publicPath))
	for _, invalid := range []string{"", "/img/foto.png", "/uploads/../radio.db", "/uploads/"} {
		assert.Error(t, store.Discard(invalid), invalid)
	}
}

func TestDiskAttachmentStoreRejectsInvalidUploads(t *testing.T) {
	directory := t.TempDir()
	store := NewDiskAttachmentStore(DiskAttachmentStoreConfig{Directory: directory, MaxBytes: 128})

	testCases := []struct {
		name   string
		upload Upload
	}{
		{name: "extension", upload: uploadOf("notes.txt", []byte("hola"))},
		{name: "content", upload: uploadOf("fake.png", []byte("<html>not an image</html>"))},
		{name: "declared-size", upload: Upload{Filename: "big.png", Size: 1024, Open: uploadOf("big.png", pngBytes).Open}},
		{name: "actual-size", upload: Upload{Filename: "lying.png", Size: 10, Open: uploadOf("lying.png", append(pngBytes, bytes.Repeat([]byte{1}, 256)...)).Open}},
		{name: "no-content", upload: Upload{Filename: "empty.png"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := store.Save(context.Background(), testCase.upload)
			var enrichmentErr *EnrichmentError
			require.True(t, errors.As(err, &enrichmentErr), "got %v", err)
			assert.Equal(t, KindAttachment, enrichmentErr.Kind)
		})
	}

	entries, err := os.ReadDir(directory)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".png"), "unexpected leftover %s", entry.Name())
	}
}
