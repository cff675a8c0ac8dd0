package models

import (
	"bytes"
	"path/filepath"
	"strings"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".webp": true, ".heic": true, ".tiff": true,
}

var binaryExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
	".wav": true, ".flac": true, ".ogg": true,
}

// IsImage reports whether the path names an image, which is served from the
// size-bounded thumbnail cache.
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsEditable reports whether a file can be handed to a text editor. The
// extension is checked first and head, the first bytes of the file, is
// sniffed for NUL and control characters.
func IsEditable(path string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if imageExtensions[ext] || binaryExtensions[ext] {
		return false
	}
	if len(head) == 0 {
		return true
	}
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) != -1 {
		return false
	}
	control := 0
	for _, b := range head {
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			control++
		}
	}
	return float64(control)/float64(len(head)) <= 0.3
}
