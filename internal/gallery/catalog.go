package gallery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultRefreshInterval = 10 * time.Minute
	publicPrefix           = "img"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// CatalogConfig configures the image catalog.
type CatalogConfig struct {
	Directory       string
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Catalog holds the current list of carousel images. Readers always see a
// complete list; refreshes replace it wholesale.
type Catalog struct {
	directory string
	interval  time.Duration
	logger    *zap.Logger
	images    atomic.Pointer[[]string]
}

// NewCatalog constructs an empty catalog. Call Refresh or Run to populate it.
func NewCatalog(cfg CatalogConfig) *Catalog {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := &Catalog{directory: cfg.Directory, interval: interval, logger: logger}
	empty := []string{}
	catalog.images.Store(&empty)
	return catalog
}

// Directory returns the directory images are served from.
func (c *Catalog) Directory() string {
	return c.directory
}

// Images returns the current image references. The slice must not be modified.
func (c *Catalog) Images() []string {
	return *c.images.Load()
}

// Refresh rescans the directory. A missing directory yields an empty list.
func (c *Catalog) Refresh() error {
	entries, err := os.ReadDir(c.directory)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("gallery refresh failed", zap.String("directory", c.directory), zap.Error(err))
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("gallery directory missing", zap.String("directory", c.directory))
	}

	images := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		images = append(images, path.Join(publicPrefix, entry.Name()))
	}
	sort.Strings(images)

	c.images.Store(&images)
	metrics.GalleryImages.Set(float64(len(images)))
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (c *Catalog) Run(ctx context.Context) {
	_ = c.Refresh()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh()
		}
	}
}
