package forms

import (
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

type Geo struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Image is an attachment record resolved by the capture layer. The engine
// only stores the reference; it never reads camera or location hardware.
type Image struct {
	IsImage     bool   `json:"isImage"`
	ID          string `json:"id"`
	URI         string `json:"uri"`
	Timestamp   int64  `json:"timestamp"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Geo         *Geo   `json:"geo,omitempty"`
}

func NewImage(uri string, width, height int, now time.Time) Image {
	return Image{
		IsImage:   true,
		ID:        uuid.NewString(),
		URI:       strings.TrimSpace(uri),
		Timestamp: now.UnixMilli(),
		Width:     width,
		Height:    height,
	}
}

// DescribeAttachment sniffs the content type of a locally resolved
// attachment file. file:// URIs are accepted.
func DescribeAttachment(uri string) (string, error) {
	path := strings.TrimPrefix(strings.TrimSpace(uri), "file://")
	if path == "" {
		return "", ErrInvalidInput
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	return mtype.String(), nil
}

// AppendImage adds image to the attachment list stored under key.
func (f *Form) AppendImage(key string, image Image, now time.Time) {
	var list []any
	if existing, ok := f.Values[key].([]any); ok {
		list = cloneValue(existing).([]any)
	}
	list = append(list, normalizeValue(image))
	f.Set(key, list, now)
}
