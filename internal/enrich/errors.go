package enrich

import "fmt"

const (
	// KindAttachment labels failures saving an uploaded file.
	KindAttachment = "attachment"
	// KindPreview labels failures unfurling a link.
	KindPreview = "preview"
)

// EnrichmentError reports a failed optional enrichment. Callers omit the
// affected field and carry on.
type EnrichmentError struct {
	Kind string
	Err  error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich: %s: %v", e.Kind, e.Err)
}

func (e *EnrichmentError) Unwrap() error {
	return e.Err
}

func previewError(format string, args ...any) error {
	return &EnrichmentError{Kind: KindPreview, Err: fmt.Errorf(format, args...)}
}

func attachmentError(format string, args ...any) error {
	return &EnrichmentError{Kind: KindAttachment, Err: fmt.Errorf(format, args...)}
}
