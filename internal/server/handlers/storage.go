package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/pkg/api"
)

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ObjectHandler хранит загруженные файлы (изображения объявлений) на диске
type ObjectHandler struct {
	logger  *zap.Logger
	root    string
	baseURL string
	maxSize int64
}

// NewObjectHandler создает handler объектного хранилища.
// baseURL - внешний адрес сервера, из него строятся публичные ссылки.
func NewObjectHandler(logger *zap.Logger, root, baseURL string, maxSize int64) *ObjectHandler {
	return &ObjectHandler{
		logger:  logger,
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
	}
}

// Upload обрабатывает POST /api/v1/storage/{bucket}/{path...}.
// Существующий объект не перезаписывается.
func (h *ObjectHandler) Upload(w http.ResponseWriter, r *http.Request) {
	bucket, objectPath, err := objectLocation(r)
	if err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	target := filepath.Join(h.root, bucket, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		h.logger.Error("failed to create bucket directory", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	// Пишем во временный файл, затем атомарно переносим
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		h.logger.Error("failed to create temp file", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, http.MaxBytesReader(w, r.Body, h.maxSize))
	closeErr := tmp.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(h.logger, w, fmt.Sprintf("object exceeds %d bytes", h.maxSize), http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("upload interrupted", zap.Error(err))
		sendError(h.logger, w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if closeErr != nil {
		h.logger.Error("failed to write object", zap.Error(closeErr))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	// Link не заменяет существующий файл, в отличие от Rename
	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, os.ErrExist) {
			sendError(h.logger, w, "object already exists", http.StatusConflict)
			return
		}
		h.logger.Error("failed to store object", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	userID, _ := GetUserID(r.Context())
	h.logger.Info("object uploaded",
		zap.String("bucket", bucket),
		zap.String("path", objectPath),
		zap.Int64("size", size),
		zap.String("user_id", userID))

	sendJSON(h.logger, w, api.UploadResponse{
		Bucket:    bucket,
		Path:      objectPath,
		PublicURL: h.publicURL(bucket, objectPath),
	}, http.StatusCreated)
}

// Download обрабатывает GET /public/{bucket}/{path...}
func (h *ObjectHandler) Download(w http.ResponseWriter, r *http.Request) {
	bucket, objectPath, err := objectLocation(r)
	if err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	target := filepath.Join(h.root, bucket, filepath.FromSlash(objectPath))
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		sendError(h.logger, w, "object not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, target)
}

func (h *ObjectHandler) publicURL(bucket, objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return h.baseURL + "/public/" + bucket + "/" + strings.Join(segments, "/")
}

// objectLocation проверяет bucket и путь объекта: без выхода за пределы bucket
func objectLocation(r *http.Request) (string, string, error) {
	bucket := r.PathValue("bucket")
	if !bucketPattern.MatchString(bucket) {
		return "", "", fmt.Errorf("invalid bucket %q", bucket)
	}

	raw := r.PathValue("path")
	if raw == "" || strings.Contains(raw, "\\") {
		return "", "", errors.New("invalid object path")
	}
	clean := path.Clean("/" + raw)[1:]
	if clean == "" || clean != raw || strings.HasPrefix(path.Base(clean), ".") {
		return "", "", errors.New("invalid object path")
	}
	return bucket, clean, nil
}
