package snapshot

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
)

// DefaultLimit is the number of requests and of comments shown on first load.
const DefaultLimit = 150

var errMissingReader = errors.New("snapshot: record reader is required")

// RecordReader is the read side of the record store.
type RecordReader interface {
	RecentRequests(ctx context.Context, limit int) ([]records.Request, error)
	RecentComments(ctx context.Context, limit int) ([]records.Comment, error)
}

// ImageSource exposes the current gallery list.
type ImageSource interface {
	Images() []string
}

// Snapshot is the recent-activity view served to a newly arriving client.
type Snapshot struct {
	Requests []records.RequestView `json:"pedidos"`
	Comments []records.CommentView `json:"comentarios"`
	Images   []string              `json:"imagenes"`
}

// Builder assembles snapshots from the store and the image catalog.
type Builder struct {
	reader RecordReader
	images ImageSource
	limit  int
}

// NewBuilder constructs a Builder. A nil image source yields no images.
func NewBuilder(reader RecordReader, images ImageSource, limit int) (*Builder, error) {
	if reader == nil {
		return nil, errMissingReader
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Builder{reader: reader, images: images, limit: limit}, nil
}

// Build reads the latest requests and comments, newest first.
func (b *Builder) Build(ctx context.Context) (Snapshot, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotBuildDuration)

	requests, err := b.reader.RecentRequests(ctx, b.limit)
	if err != nil {
		return Snapshot{}, err
	}
	comments, err := b.reader.RecentComments(ctx, b.limit)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Requests: make([]records.RequestView, 0, len(requests)),
		Comments: make([]records.CommentView, 0, len(comments)),
		Images:   []string{},
	}
	for _, request := range requests {
		snapshot.Requests = append(snapshot.Requests, request.View())
	}
	for _, comment := range comments {
		snapshot.Comments = append(snapshot.Comments, comment.View())
	}
	if b.images != nil {
		snapshot.Images = append(snapshot.Images, b.images.Images()...)
	}
	return snapshot, nil
}
