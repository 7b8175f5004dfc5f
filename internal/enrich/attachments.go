package enrich

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultAttachmentMaxBytes = 5 << 20
	defaultPublicPrefix       = "/uploads"
	sniffLength               = 512
)

var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Upload is a file received with a comment.
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// DiskAttachmentStoreConfig configures where uploads are written.
type DiskAttachmentStoreConfig struct {
	Directory    string
	PublicPrefix string
	MaxBytes     int64
}

// DiskAttachmentStore writes uploaded images to a local directory under random names.
type DiskAttachmentStore struct {
	directory    string
	publicPrefix string
	maxBytes     int64
	newID        func() (uuid.UUID, error)
}

// NewDiskAttachmentStore constructs an attachment store rooted at cfg.Directory.
func NewDiskAttachmentStore(cfg DiskAttachmentStoreConfig) *DiskAttachmentStore {
	prefix := strings.TrimRight(cfg.PublicPrefix, "/")
	if prefix == "" {
		prefix = defaultPublicPrefix
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultAttachmentMaxBytes
	}
	return &DiskAttachmentStore{
		directory:    cfg.Directory,
		publicPrefix: prefix,
		maxBytes:     maxBytes,
		newID:        uuid.NewV7,
	}
}

// Directory returns the filesystem directory attachments are written to.
func (s *DiskAttachmentStore) Directory() string {
	return s.directory
}

// Save stores an image upload and returns its public path. Every failure is an *EnrichmentError.
func (s *DiskAttachmentStore) Save(ctx context.Context, upload Upload) (string, error) {
	if upload.Open == nil {
		return "", attachmentError("upload has no content")
	}
	extension := strings.ToLower(filepath.Ext(upload.Filename))
	if !allowedImageExtensions[extension] {
		return "", attachmentError("unsupported file extension %q", extension)
	}
	if upload.Size > s.maxBytes {
		return "", attachmentError("upload of %d bytes exceeds limit of %d", upload.Size, s.maxBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", attachmentError("save cancelled: %w", err)
	}

	source, err := upload.Open()
	if err != nil {
		return "", attachmentError("open upload: %w", err)
	}
	defer source.Close()

	head := make([]byte, sniffLength)
	headLength, err := io.ReadFull(source, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", attachmentError("read upload: %w", err)
	}
	head = head[:headLength]
	if contentType := http.DetectContentType(head); !strings.HasPrefix(contentType, "image/") {
		return "", attachmentError("upload content is %s, not an image", contentType)
	}

	if err := os.MkdirAll(s.directory, 0o755); err != nil {
		return "", attachmentError("create upload directory: %w", err)
	}
	identifier, err := s.newID()
	if err != nil {
		return "", attachmentError("generate file name: %w", err)
	}
	fileName := identifier.String() + extension
	destinationPath := filepath.Join(s.directory, fileName)

	destination, err := os.OpenFile(destinationPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", attachmentError("create upload file: %w", err)
	}
	written, copyErr := io.Copy(destination, io.LimitReader(io.MultiReader(bytes.NewReader(head), source), s.maxBytes+1))
	closeErr := destination.Close()
	if copyErr == nil && written > s.maxBytes {
		copyErr = attachmentError("upload exceeds limit of %d bytes", s.maxBytes)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(destinationPath)
		if _, ok := copyErr.(*EnrichmentError); ok {
			return "", copyErr
		}
		return "", attachmentError("write upload: %w", copyErr)
	}

	return path.Join(s.publicPrefix, fileName), nil
}

// Discard removes a file previously returned by Save. A missing file is not an error.
func (s *DiskAttachmentStore) Discard(publicPath string) error {
	fileName, found := strings.CutPrefix(publicPath, s.publicPrefix+"/")
	if !found || fileName == "" || fileName != path.Base(fileName) || fileName == ".." {
		return attachmentError("not an attachment path %q", publicPath)
	}
	if err := os.Remove(filepath.Join(s.directory, fileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return attachmentError("remove upload: %w", err)
	}
	return nil
}
