package dataset

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/nutriscan/nutriscan/logging"
)

// Roboflow defaults.
const (
	DefaultRoboflowURL       = "https://api.roboflow.com"
	DefaultRoboflowWorkspace = "malaysian-food-detection"
	DefaultRoboflowProject   = "malaysian-food-detection-wy3kt"
	DefaultRoboflowVersion   = 2
	DefaultExportFormat      = "yolov8"
)

const (
	maxRetryCount   = 5
	maxDatasetSize  = 20 << 30
	maxMetadataSize = 1 << 20
)

var retryBaseDelay = 500 * time.Millisecond

// ErrNoAPIKey is returned when the dataset API key is not configured.
var ErrNoAPIKey = errors.New("ROBOFLOW_API_KEY is not set")

// RoboflowClient downloads dataset exports from the dataset-hosting API.
type RoboflowClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	logger     logging.Logger
}

// NewRoboflowClient returns a client for baseURL, the public API when empty.
func NewRoboflowClient(baseURL, apiKey string, logger logging.Logger) *RoboflowClient {
	if baseURL == "" {
		baseURL = DefaultRoboflowURL
	}
	return &RoboflowClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Minute},
		logger:     logger,
	}
}

// DownloadRequest names a dataset version and where to put it.
type DownloadRequest struct {
	Workspace string
	Project   string
	Version   int
	Format    string
	Dest      string
}

// ID identifies the dataset version in session records.
func (r DownloadRequest) ID() string {
	return fmt.Sprintf("%s/%s/%d", r.Workspace, r.Project, r.Version)
}

// Downloaded is a dataset on disk.
type Downloaded struct {
	ID         string `json:"id"`
	Dir        string `json:"dir"`
	DataConfig string `json:"data_config"`
}

type exportResponse struct {
	Export struct {
		Link string `json:"link"`
	} `json:"export"`
}

// Download fetches the export link for the version, downloads and unpacks the archive into
// req.Dest, and rewrites data.yaml so its path points at the unpacked dataset.
func (c *RoboflowClient) Download(ctx context.Context, req DownloadRequest) (*Downloaded, error) {
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if req.Format == "" {
		req.Format = DefaultExportFormat
	}
	if req.Workspace == "" || req.Project == "" || req.Version <= 0 {
		return nil, errors.Errorf("workspace, project and a positive version are required, got %q", req.ID())
	}
	dest, err := filepath.Abs(req.Dest)
	if err != nil {
		return nil, err
	}

	link, err := c.exportLink(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return nil, errors.Wrapf(err, "could not create %s", dest)
	}
	archive, err := os.CreateTemp("", "nutriscan-dataset-*.zip")
	if err != nil {
		return nil, err
	}
	archivePath := archive.Name()
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			c.logger.Debugw("failed to remove dataset archive", "path", archivePath, "error", err)
		}
	}()
	if err := archive.Close(); err != nil {
		return nil, err
	}

	c.logger.Infow("downloading dataset", "dataset", req.ID(), "format", req.Format, "url", sanitizeURLForLogs(link))
	if err := c.downloadWithRetry(ctx, link, archivePath); err != nil {
		return nil, err
	}
	if err := unzipFile(ctx, archivePath, dest); err != nil {
		return nil, errors.Wrap(err, "could not unpack dataset")
	}

	configPath, err := FindDataConfig(dest)
	if err != nil {
		return nil, err
	}
	cfg, err := ReadDataConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Path = filepath.Dir(configPath)
	if err := WriteDataConfig(configPath, cfg); err != nil {
		return nil, err
	}
	c.logger.Infow("dataset ready", "dataset", req.ID(), "classes", cfg.NC, "data_config", configPath)
	return &Downloaded{ID: req.ID(), Dir: cfg.Path, DataConfig: configPath}, nil
}

func (c *RoboflowClient) exportLink(ctx context.Context, req DownloadRequest) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/%s/%d/%s",
		c.BaseURL, url.PathEscape(req.Workspace), url.PathEscape(req.Project), req.Version, url.PathEscape(req.Format)))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", c.APIKey)
	u.RawQuery = q.Encode()

	var body []byte
	err = retry(ctx, func() (bool, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return false, err
		}
		//nolint:bodyclose
		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return true, errors.Wrap(err, "dataset API request failed")
		}
		defer resp.Body.Close() //nolint:errcheck
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
		if err != nil {
			return true, err
		}
		if resp.StatusCode != http.StatusOK {
			return transient(resp.StatusCode), errors.Errorf("dataset API returned %d: %s",
				resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	var parsed exportResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, "could not parse dataset API response")
	}
	if parsed.Export.Link == "" {
		return "", errors.Errorf("dataset API response for %s has no export link", req.ID())
	}
	return parsed.Export.Link, nil
}

// Workspace is what the dataset API reports about a workspace.
type Workspace struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Projects int    `json:"projects"`
}

type workspaceResponse struct {
	Workspace struct {
		Name     string            `json:"name"`
		URL      string            `json:"url"`
		Projects []json.RawMessage `json:"projects"`
	} `json:"workspace"`
}

// TestConnection fetches the workspace once, checking that the API is reachable and accepts the
// key.
func (c *RoboflowClient) TestConnection(ctx context.Context, workspace string) (*Workspace, error) {
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if workspace == "" {
		return nil, errors.New("a workspace is required")
	}
	u, err := url.Parse(c.BaseURL + "/" + url.PathEscape(workspace))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api_key", c.APIKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "dataset API request failed")
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("dataset API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed workspaceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "could not parse dataset API response")
	}
	return &Workspace{
		Name:     lo.CoalesceOrEmpty(parsed.Workspace.Name, workspace),
		URL:      parsed.Workspace.URL,
		Projects: len(parsed.Workspace.Projects),
	}, nil
}

func (c *RoboflowClient) downloadWithRetry(ctx context.Context, link, path string) error {
	return retry(ctx, func() (bool, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return false, err
		}
		//nolint:bodyclose
		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return true, errors.Wrap(err, "dataset download failed")
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return transient(resp.StatusCode), errors.Errorf("dataset download returned %d", resp.StatusCode)
		}

		//nolint:gosec
		out, err := os.Create(path)
		if err != nil {
			return false, err
		}
		if _, err := io.CopyN(out, resp.Body, maxDatasetSize); err != nil && !errors.Is(err, io.EOF) {
			return true, multierr.Combine(errors.Wrap(err, "dataset download interrupted"), out.Close())
		}
		return false, out.Close()
	})
}

func transient(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// retry runs fn up to maxRetryCount times while it reports a retryable failure, backing off
// between attempts.
func retry(ctx context.Context, fn func() (retryable bool, err error)) error {
	var err error
	for count := 0; count < maxRetryCount; count++ {
		var retryable bool
		retryable, err = fn()
		if err == nil || !retryable {
			return err
		}
		if count == maxRetryCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return multierr.Combine(err, ctx.Err())
		case <-time.After(retryBaseDelay * time.Duration(1<<count)):
		}
	}
	return errors.Wrapf(err, "giving up after %d attempts", maxRetryCount)
}

func sanitizeURLForLogs(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	parsed.RawQuery = ""
	return parsed.String()
}

// safeJoinDir joins name onto dir, rejecting names that escape it.
func safeJoinDir(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", errors.Errorf("unsafe path in archive: %q", name)
	}
	return path, nil
}

// unzipFile extracts a zip archive into toDir.
func unzipFile(ctx context.Context, fromFile, toDir string) error {
	reader, err := zip.OpenReader(fromFile)
	if err != nil {
		return err
	}
	defer reader.Close() //nolint:errcheck

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := safeJoinDir(toDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o750); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", path)
			}
			continue
		}
		if !file.Mode().IsRegular() {
			continue
		}
		if err := extractZipFile(file, path); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(file *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", filepath.Dir(path))
	}
	in, err := file.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open %s in archive", file.Name)
	}
	defer in.Close() //nolint:errcheck

	//nolint:gosec // path sanitized with safeJoinDir
	out, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %s", path)
	}
	if _, err := io.CopyN(out, in, maxDatasetSize); err != nil && !errors.Is(err, io.EOF) {
		return multierr.Combine(errors.Wrapf(err, "failed to copy file %s", path), out.Close())
	}
	return out.Close()
}
