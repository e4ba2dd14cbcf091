package downloads

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Media category folders under the downloads root. Unknown types land
// in "other".
const (
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryImage    = "image"
	CategoryDocument = "document"
	CategoryArchive  = "archive"
	CategoryOther    = "other"
)

var extensionCategories = map[string]string{
	".mp4":  CategoryVideo,
	".mkv":  CategoryVideo,
	".avi":  CategoryVideo,
	".mov":  CategoryVideo,
	".webm": CategoryVideo,
	".m4v":  CategoryVideo,

	".mp3":  CategoryAudio,
	".m4a":  CategoryAudio,
	".ogg":  CategoryAudio,
	".oga":  CategoryAudio,
	".opus": CategoryAudio,
	".flac": CategoryAudio,
	".wav":  CategoryAudio,

	".jpg":  CategoryImage,
	".jpeg": CategoryImage,
	".png":  CategoryImage,
	".gif":  CategoryImage,
	".webp": CategoryImage,
	".heic": CategoryImage,
	".bmp":  CategoryImage,

	".pdf":  CategoryDocument,
	".doc":  CategoryDocument,
	".docx": CategoryDocument,
	".xls":  CategoryDocument,
	".xlsx": CategoryDocument,
	".ppt":  CategoryDocument,
	".pptx": CategoryDocument,
	".txt":  CategoryDocument,
	".epub": CategoryDocument,
	".csv":  CategoryDocument,

	".zip": CategoryArchive,
	".rar": CategoryArchive,
	".7z":  CategoryArchive,
	".tar": CategoryArchive,
	".gz":  CategoryArchive,
	".bz2": CategoryArchive,
	".xz":  CategoryArchive,
}

// Categorize picks the folder for a file by extension first, mime type
// second.
func Categorize(fileName, mimeType string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(fileName)))
	if category, ok := extensionCategories[ext]; ok {
		return category
	}

	mime := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case mime == "application/pdf",
		strings.HasPrefix(mime, "text/"),
		strings.Contains(mime, "msword"),
		strings.Contains(mime, "officedocument"):
		return CategoryDocument
	case strings.Contains(mime, "zip"),
		strings.Contains(mime, "rar"),
		strings.Contains(mime, "x-tar"),
		strings.Contains(mime, "x-7z"):
		return CategoryArchive
	}
	return CategoryOther
}

// SanitizeFileName strips path separators and control characters so a
// remote filename can never escape the downloads root.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 32, r == '/', r == '\\', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ". ")
	return cleaned
}

// TargetPath builds the final on-disk path for a task. Nameless media
// falls back to chatID_msgID with a mime-derived extension.
func TargetPath(root string, chatID, msgID int64, fileName, mimeType string) string {
	name := SanitizeFileName(fileName)
	if name == "" {
		name = strconv.FormatInt(chatID, 10) + "_" + strconv.FormatInt(msgID, 10) + extensionForMime(mimeType)
	}
	return filepath.Join(root, Categorize(fileName, mimeType), name)
}

func extensionForMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	case "application/zip":
		return ".zip"
	default:
		return ".bin"
	}
}
