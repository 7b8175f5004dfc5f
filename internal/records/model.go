package records

import (
	"strings"
	"time"
)

// TimestampLayout is the canonical UTC layout used for storage and live payloads.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	fieldNombre  = "nombre"
	fieldCancion = "cancion"
	fieldMensaje = "mensaje"
)

// FormatTimestamp renders t in the canonical layout after converting it to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a canonical timestamp string as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, value, time.UTC)
}

// RequestID is the store-assigned identity of a song request.
type RequestID int64

// CommentID is the store-assigned identity of a chat comment.
type CommentID int64

// Request is a persisted song dedication.
type Request struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement;index:idx_requests_recent,priority:2,sort:desc"`
	Nombre      string `gorm:"column:nombre;type:text;not null"`
	Cancion     string `gorm:"column:cancion;type:text;not null"`
	Dedicatoria string `gorm:"column:dedicatoria;type:text;not null"`
	Artista     string `gorm:"column:artista;type:text;not null"`
	FechaHora   string `gorm:"column:fecha_hora;size:19;not null;index:idx_requests_recent,priority:1,sort:desc"`
}

// TableName provides the explicit table binding for GORM.
func (Request) TableName() string {
	return "requests"
}

// View returns the client-facing projection of the request.
func (r Request) View() RequestView {
	return RequestView{
		Nombre:      r.Nombre,
		Cancion:     r.Cancion,
		Dedicatoria: r.Dedicatoria,
		Artista:     r.Artista,
		FechaHora:   r.FechaHora,
	}
}

// Comment is a persisted chat message.
type Comment struct {
	ID                 int64  `gorm:"column:id;primaryKey;autoIncrement;index:idx_comments_recent,priority:2,sort:desc"`
	Nombre             string `gorm:"column:nombre;type:text;not null"`
	Mensaje            string `gorm:"column:mensaje;type:text;not null"`
	Adjunto            string `gorm:"column:adjunto;type:text;not null"`
	PreviewTitle       string `gorm:"column:preview_title;type:text;not null"`
	PreviewDescription string `gorm:"column:preview_description;type:text;not null"`
	PreviewImage       string `gorm:"column:preview_image;type:text;not null"`
	PreviewURL         string `gorm:"column:preview_url;type:text;not null"`
	FechaHora          string `gorm:"column:fecha_hora;size:19;not null;index:idx_comments_recent,priority:1,sort:desc"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Preview returns the stored link preview; it is empty when none was attached.
func (c Comment) Preview() LinkPreview {
	return LinkPreview{
		Title:       c.PreviewTitle,
		Description: c.PreviewDescription,
		Image:       c.PreviewImage,
		URL:         c.PreviewURL,
	}
}

// View returns the client-facing projection of the comment.
func (c Comment) View() CommentView {
	view := CommentView{
		Nombre:    c.Nombre,
		Mensaje:   c.Mensaje,
		Adjunto:   c.Adjunto,
		FechaHora: c.FechaHora,
	}
	if preview := c.Preview(); !preview.Empty() {
		view.Preview = &preview
	}
	return view
}

// RequestView is the payload sent to browsers for a request.
type RequestView struct {
	Nombre      string `json:"nombre"`
	Cancion     string `json:"cancion"`
	Dedicatoria string `json:"dedicatoria"`
	Artista     string `json:"artista"`
	FechaHora   string `json:"fecha_hora"`
}

// CommentView is the payload sent to browsers for a comment.
type CommentView struct {
	Nombre    string       `json:"nombre"`
	Mensaje   string       `json:"mensaje"`
	Adjunto   string       `json:"adjunto,omitempty"`
	Preview   *LinkPreview `json:"preview,omitempty"`
	FechaHora string       `json:"fecha_hora"`
}

// LinkPreview carries the unfurled metadata of a URL found in a comment.
type LinkPreview struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
	URL         string `json:"url"`
}

// Empty reports whether the preview carries no metadata at all.
func (p LinkPreview) Empty() bool {
	return p.Title == "" && p.Description == "" && p.Image == "" && p.URL == ""
}

// RequestFields is the caller-supplied content of a new request.
type RequestFields struct {
	Nombre      string
	Cancion     string
	Dedicatoria string
	Artista     string
}

// Normalize trims every field.
func (f RequestFields) Normalize() RequestFields {
	return RequestFields{
		Nombre:      strings.TrimSpace(f.Nombre),
		Cancion:     strings.TrimSpace(f.Cancion),
		Dedicatoria: strings.TrimSpace(f.Dedicatoria),
		Artista:     strings.TrimSpace(f.Artista),
	}
}

// Validate reports a ValidationError when a required field is blank.
func (f RequestFields) Validate() error {
	normalized := f.Normalize()
	var missing []string
	if normalized.Nombre == "" {
		missing = append(missing, fieldNombre)
	}
	if normalized.Cancion == "" {
		missing = append(missing, fieldCancion)
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// CommentFields is the caller-supplied content of a new comment.
type CommentFields struct {
	Nombre  string
	Mensaje string
	Adjunto string
	Preview LinkPreview
}

// Normalize trims every field.
func (f CommentFields) Normalize() CommentFields {
	return CommentFields{
		Nombre:  strings.TrimSpace(f.Nombre),
		Mensaje: strings.TrimSpace(f.Mensaje),
		Adjunto: strings.TrimSpace(f.Adjunto),
		Preview: LinkPreview{
			Title:       strings.TrimSpace(f.Preview.Title),
			Description: strings.TrimSpace(f.Preview.Description),
			Image:       strings.TrimSpace(f.Preview.Image),
			URL:         strings.TrimSpace(f.Preview.URL),
		},
	}
}

// Validate reports a ValidationError when a required field is blank.
func (f CommentFields) Validate() error {
	normalized := f.Normalize()
	var missing []string
	if normalized.Nombre == "" {
		missing = append(missing, fieldNombre)
	}
	if normalized.Mensaje == "" {
		missing = append(missing, fieldMensaje)
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// EvictionResult reports what a retention pass removed.
type EvictionResult struct {
	Cutoff          string
	RequestsDeleted int64
	CommentsDeleted int64
}
