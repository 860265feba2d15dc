// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// IMAGE UPLOAD AND SERVING
// =============================================================================

// allowedImageTypes maps accepted upload content types to file extensions.
var allowedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// handleUpload accepts one multipart image and stores it in the cache
// directory under a random name. Responds with the URL the conversation
// should reference.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field")
		return
	}
	defer file.Close()

	// Sniff the actual content; the client's filename is not trusted.
	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	contentType := http.DetectContentType(head[:n])
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported image type")
		return
	}

	name := uuid.NewString() + ext
	url, err := s.saveImageBytes(name, head[:n], file)
	if err != nil {
		s.logger.Error("upload save failed",
			zap.String("filename", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not save image")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// saveImageBytes writes head followed by the rest of src into the cache
// directory and returns the public URL.
func (s *Server) saveImageBytes(name string, head []byte, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cacheDir, 0755); err != nil {
		return "", err
	}

	dst, err := os.Create(filepath.Join(s.cacheDir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := dst.Write(head); err != nil {
		return "", err
	}
	if src != nil {
		if _, err := io.Copy(dst, src); err != nil {
			return "", err
		}
	}
	return "/images/cache/" + name, nil
}

// handleImage serves a cached image. The name is validated so the handler
// cannot reach outside the cache directory.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") ||
		strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid image name")
		return
	}

	path := filepath.Join(s.cacheDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	http.ServeFile(w, r, path)
}
