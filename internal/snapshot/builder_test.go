package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticImages []string

func (s staticImages) Images() []string {
	return s
}

type failingReader struct {
	err error
}

func (f failingReader) RecentRequests(context.Context, int) ([]records.Request, error) {
	return nil, f.err
}

func (f failingReader) RecentComments(context.Context, int) ([]records.Comment, error) {
	return nil, f.err
}

func newStore(t *testing.T, clock func() time.Time) *records.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "snapshot.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&records.Request{}, &records.Comment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := records.NewStore(records.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestBuildReturnsNewestFirstWithinLimit(t *testing.T) {
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newStore(t, func() time.Time { return current })

	for index, song := range []string{"uno", "dos", "tres"} {
		current = current.Add(time.Duration(index+1) * time.Second)
		if _, _, err := store.InsertRequest(context.Background(), records.RequestFields{Nombre: "Ana", Cancion: song}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if _, _, err := store.InsertComment(context.Background(), records.CommentFields{Nombre: "Luis", Mensaje: "hola"}); err != nil {
		t.Fatalf("insert comment failed: %v", err)
	}

	builder, err := NewBuilder(store, staticImages{"img/a.png"}, 2)
	if err != nil {
		t.Fatalf("failed to construct builder: %v", err)
	}
	snapshot, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(snapshot.Requests) != 2 || snapshot.Requests[0].Cancion != "tres" || snapshot.Requests[1].Cancion != "dos" {
		t.Fatalf("unexpected requests %#v", snapshot.Requests)
	}
	if len(snapshot.Comments) != 1 || snapshot.Comments[0].Mensaje != "hola" {
		t.Fatalf("unexpected comments %#v", snapshot.Comments)
	}
	if len(snapshot.Images) != 1 || snapshot.Images[0] != "img/a.png" {
		t.Fatalf("unexpected images %#v", snapshot.Images)
	}
}

func TestBuildWithoutImagesReturnsEmptySlices(t *testing.T) {
	store := newStore(t, nil)
	builder, err := NewBuilder(store, nil, 0)
	if err != nil {
		t.Fatalf("failed to construct builder: %v", err)
	}
	snapshot, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if snapshot.Requests == nil || snapshot.Comments == nil || snapshot.Images == nil {
		t.Fatalf("expected non-nil slices, got %#v", snapshot)
	}
}

func TestBuildPropagatesStorageErrors(t *testing.T) {
	expected := errors.New("disk gone")
	builder, err := NewBuilder(failingReader{err: expected}, nil, 10)
	if err != nil {
		t.Fatalf("failed to construct builder: %v", err)
	}
	if _, err := builder.Build(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestNewBuilderRequiresReader(t *testing.T) {
	if _, err := NewBuilder(nil, nil, 10); err == nil {
		t.Fatalf("expected error for missing reader")
	}
}
