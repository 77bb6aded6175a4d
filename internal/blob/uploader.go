package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Uploader sends a captured photo to remote storage and returns the URL it
// can be fetched from
type Uploader interface {
	Upload(ctx context.Context, obj Object) (string, error)
}

// HTTPUploader posts photos to the server's upload endpoint as multipart
// form data
type HTTPUploader struct {
	endpoint   string
	token      func() string
	httpClient *http.Client
	logger     *loggy.Logger
}

// NewHTTPUploader creates an uploader for baseURL+uploadPath. token is
// called on every request so a refreshed token is picked up.
func NewHTTPUploader(baseURL, uploadPath string, token func() string, timeout time.Duration, logger *loggy.Logger) *HTTPUploader {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPUploader{
		endpoint: strings.TrimRight(baseURL, "/") + uploadPath,
		token:    token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

type uploadResponse struct {
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Upload posts obj as the "file" field with its id in the "id" field
func (u *HTTPUploader) Upload(ctx context.Context, obj Object) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("id", obj.ID); err != nil {
		return "", fmt.Errorf("writing id field: %w", err)
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, obj.Filename))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, obj.Body); err != nil {
		return "", fmt.Errorf("writing file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.token != nil {
		if token := u.token(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return "", &UploadError{StatusCode: resp.StatusCode, Message: msg}
	}

	if decodeErr != nil {
		return "", fmt.Errorf("decoding upload response: %w", decodeErr)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response for %s has no url", obj.ID)
	}

	u.logger.Debug("Uploaded photo", "id", obj.ID, "url", out.URL)
	return out.URL, nil
}
