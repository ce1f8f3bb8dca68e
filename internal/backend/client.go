package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/voxsheet/voxsheet-core/internal/config"
)

// Client talks to the extraction/persistence backend over HTTP+JSON. It
// performs no automatic retries: every failure is surfaced so the operator
// can repeat the action.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.BackendConfig, log *slog.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "backend")),
	}
}

// CreateSession asks the backend for a fresh session.
func (c *Client) CreateSession(ctx context.Context) (CreatedSession, error) {
	var created CreatedSession
	err := c.postJSON(ctx, "/sessions/", nil, &created)
	return created, err
}

// GetSession fetches session state; ErrSessionNotFound when absent.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	resp, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, "")
	if err != nil {
		return session, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return session, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := checkStatus(resp); err != nil {
		return session, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return session, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

// UploadDataset sends the spreadsheet bytes; ErrInvalidFormat for
// non-tabular input.
func (c *Client) UploadDataset(ctx context.Context, sessionID, filename string, file []byte) (DatasetDescriptor, error) {
	var descriptor DatasetDescriptor

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return descriptor, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(file); err != nil {
		return descriptor, fmt.Errorf("write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return descriptor, fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/excel/upload/"+sessionID, &buf, writer.FormDataContentType())
	if err != nil {
		return descriptor, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnsupportedMediaType {
		return descriptor, fmt.Errorf("%w: %s", ErrInvalidFormat, filename)
	}
	if err := checkStatus(resp); err != nil {
		return descriptor, err
	}

	var payload struct {
		Filename  string   `json:"filename"`
		Headers   []string `json:"headers"`
		TotalRows int      `json:"total_rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return descriptor, fmt.Errorf("decode upload response: %w", err)
	}
	descriptor = DatasetDescriptor{
		Name:       payload.Filename,
		Headers:    payload.Headers,
		TotalRows:  payload.TotalRows,
		CurrentRow: 1,
	}
	return descriptor, nil
}

// ProcessAudio submits a finalized recording for transcription and field
// extraction. A one-element multi-row answer is normalized to single-row
// mode before it reaches the workflow.
func (c *Client) ProcessAudio(ctx context.Context, sessionID string, wav []byte, rowNumber int) (ExtractionResult, error) {
	var result ExtractionResult

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "recording.wav")
	if err != nil {
		return result, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return result, fmt.Errorf("write audio part: %w", err)
	}
	if err := writer.WriteField("row_number", strconv.Itoa(rowNumber)); err != nil {
		return result, fmt.Errorf("write row_number field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return result, fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/audio/process/"+sessionID, &buf, writer.FormDataContentType())
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusInternalServerError {
		return result, fmt.Errorf("%w: status %d", ErrExtraction, resp.StatusCode)
	}
	if err := checkStatus(resp); err != nil {
		return result, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	var payload struct {
		Transcription string     `json:"transcription"`
		Confidence    float64    `json:"transcription_confidence"`
		ExtractedData RowData    `json:"extracted_data"`
		Rows          []BatchRow `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return result, fmt.Errorf("%w: decode response: %v", ErrExtraction, err)
	}

	result.Transcription = payload.Transcription
	result.Confidence = payload.Confidence
	switch {
	case len(payload.Rows) >= 2:
		result.Batch = payload.Rows
	case len(payload.Rows) == 1:
		result.Single = payload.Rows[0].Data
	default:
		result.Single = payload.ExtractedData
	}
	return result, nil
}

// ConfirmRow commits edited values for one row. auto_advance tells the
// server whether to move the session pointer as part of the commit.
func (c *Client) ConfirmRow(ctx context.Context, sessionID string, rowNumber int, data RowData, autoAdvance bool) (ConfirmResult, error) {
	var result ConfirmResult
	body := struct {
		Data        RowData `json:"data"`
		AutoAdvance bool    `json:"auto_advance"`
	}{Data: data, AutoAdvance: autoAdvance}

	path := fmt.Sprintf("/rows/%s/%d/confirm", sessionID, rowNumber)
	if err := c.postJSON(ctx, path, body, &result); err != nil {
		return result, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return result, nil
}

// SkipRow advances the session pointer without writing data and returns the
// new current row.
func (c *Client) SkipRow(ctx context.Context, sessionID string) (int, error) {
	var payload struct {
		CurrentRow int `json:"current_row"`
	}
	if err := c.postJSON(ctx, "/rows/"+sessionID+"/skip", nil, &payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return payload.CurrentRow, nil
}

// DownloadDataset streams the persisted artifact. The caller owns the
// returned body.
func (c *Client) DownloadDataset(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/excel/download/"+sessionID, nil, "")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return resp.Body, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, http.MethodPost, path, reader, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
}
