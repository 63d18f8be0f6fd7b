// Package media classifies source assets into the processing categories that
// drive stage selection.
package media

import (
	"path"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindAnimatedImage
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAnimatedImage:
		return "animated_image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Descriptor is the result of classification.
type Descriptor struct {
	Kind      Kind
	Extension string
	MIMEType  string
}

// Format names an encoded output: its file extension and content type.
type Format struct {
	Ext         string
	ContentType string
}

func (f Format) IsZero() bool { return f.Ext == "" }

type entry struct {
	kind Kind
	mime string
}

var byExtension = map[string]entry{
	"jpg":  {KindImage, "image/jpeg"},
	"png":  {KindImage, "image/png"},
	"webp": {KindImage, "image/webp"},
	"bmp":  {KindImage, "image/bmp"},
	"tif":  {KindImage, "image/tiff"},
	"tiff": {KindImage, "image/tiff"},
	"gif":  {KindAnimatedImage, "image/gif"},
	"mp4":  {KindVideo, "video/mp4"},
	"m4v":  {KindVideo, "video/x-m4v"},
	"mov":  {KindVideo, "video/quicktime"},
	"webm": {KindVideo, "video/webm"},
}

var byMIME = map[string]string{
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/pjpeg":     "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/bmp":       "bmp",
	"image/x-ms-bmp":  "bmp",
	"image/tiff":      "tiff",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/x-m4v":     "m4v",
	"video/quicktime": "mov",
	"video/webm":      "webm",
}

// Audio is stored as is, never derived, so it stays out of the stage tables.
var audioByMIME = map[string]string{
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/wav":    "wav",
	"audio/wave":   "wav",
	"audio/x-wav":  "wav",
	"audio/ogg":    "ogg",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/aac":    "aac",
	"audio/mp4":    "m4a",
	"audio/x-m4a":  "m4a",
	"audio/webm":   "weba",
}

// DescribeAudio returns the descriptor for a known audio content type.
func DescribeAudio(contentType string) (Descriptor, bool) {
	mime := baseMIME(contentType)
	ext, ok := audioByMIME[mime]
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{Kind: KindAudio, Extension: ext, MIMEType: mime}, true
}

// NormalizeExtension lower-cases ext, strips a leading dot and folds jpeg to jpg.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ext), ".")))
	if ext == "jpeg" || ext == "jpe" {
		return "jpg"
	}
	return ext
}

// ExtensionOf returns the normalized extension of a key or path.
func ExtensionOf(key string) string {
	return NormalizeExtension(path.Ext(key))
}

// DescribeExtension returns the descriptor for a known extension.
func DescribeExtension(ext string) (Descriptor, bool) {
	ext = NormalizeExtension(ext)
	e, ok := byExtension[ext]
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{Kind: e.kind, Extension: ext, MIMEType: e.mime}, true
}

// DescribeMIME returns the descriptor for a known content type. Parameters
// such as charset are ignored.
func DescribeMIME(contentType string) (Descriptor, bool) {
	ext, ok := byMIME[baseMIME(contentType)]
	if !ok {
		return Descriptor{}, false
	}
	return DescribeExtension(ext)
}

// ContentTypeFor returns the content type for a known extension, or
// application/octet-stream.
func ContentTypeFor(ext string) string {
	if d, ok := DescribeExtension(ext); ok {
		return d.MIMEType
	}
	return octetStream
}

func baseMIME(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
