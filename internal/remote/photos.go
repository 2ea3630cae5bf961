package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/sync/photo"
)

type urlResponse struct {
	URL      string `json:"url"`
	UploadID string `json:"uploadId,omitempty"`
}

type chunkedControl struct {
	UploadID string `json:"uploadId"`
	Action   string `json:"action,omitempty"`
	*photo.ChunkedInit
}

// UploadDirect sends the photo as one multipart form to POST {base}/photos.
func (c *Client) UploadDirect(ctx context.Context, u photo.DirectUpload) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	md := u.Metadata
	fields := map[string]string{
		"tripId": md.TripID,
		"type":   md.Type,
		"itemId": md.ItemID,
	}
	if md.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*md.Latitude, 'f', -1, 64)
	}
	if md.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*md.Longitude, 'f', -1, 64)
	}
	if md.Timestamp != nil {
		fields["timestamp"] = strconv.FormatInt(*md.Timestamp, 10)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "write form field", err)
		}
	}

	name := u.FileName
	if name == "" {
		name = "photo.jpg"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "create form file", err)
	}
	if _, err := io.Copy(part, u.Body); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "copy photo body", err)
	}
	if err := w.Close(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "close form", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/photos", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out urlResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "direct upload", err)
	}
	return out.URL, nil
}

// InitChunked opens a chunked session. The upload id is chosen by the
// client; a server-assigned id in the reply takes precedence.
func (c *Client) InitChunked(ctx context.Context, init photo.ChunkedInit) (string, error) {
	uploadID := c.newID()
	var out urlResponse
	if err := c.postControl(ctx, chunkedControl{UploadID: uploadID, ChunkedInit: &init}, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "init chunked upload", err)
	}
	if out.UploadID != "" {
		uploadID = out.UploadID
	}
	return uploadID, nil
}

// UploadChunk sends one chunk as PUT {base}/photos/chunked.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("uploadId", uploadID)
	w.WriteField("chunkIndex", strconv.Itoa(index))
	part, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPhotoTransfer, "create chunk part", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return apperrors.Wrap(apperrors.ErrPhotoTransfer, "write chunk part", err)
	}
	if err := w.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrPhotoTransfer, "close chunk form", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/photos/chunked", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := c.doJSON(req, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrPhotoTransfer, fmt.Sprintf("chunk %d", index), err)
	}
	return nil
}

// FinalizeChunked completes a session and returns the stored photo URL.
func (c *Client) FinalizeChunked(ctx context.Context, uploadID string) (string, error) {
	var out urlResponse
	if err := c.postControl(ctx, chunkedControl{UploadID: uploadID, Action: "finalize"}, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPhotoTransfer, "finalize chunked upload", err)
	}
	return out.URL, nil
}

func (c *Client) postControl(ctx context.Context, body chunkedControl, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/photos/chunked", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

// doJSON executes req and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Wrap(apperrors.ErrNetwork, req.Method+" "+req.URL.Path,
			&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)})
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
