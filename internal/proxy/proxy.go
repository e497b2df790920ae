// Package proxy relays two kinds of traffic without buffering: live camera
// streams from the camera's ClusterIP Service, and recorded file downloads
// from the per-node file-server DaemonSet. Neither relay holds any
// ordering guarantee — it is a stateless, concurrent pass-through.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/config"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
)

// dialErr maps a failed httpClient.Do into the AppError an upstream
// connection failure should surface as: connection refused means
// something is listening on the Service's endpoint but not accepting,
// a stronger signal than "unreachable" and worth distinguishing as a
// bad gateway rather than a generic service-unavailable.
func dialErr(err error, what string) *apperrors.AppError {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return apperrors.UpstreamUnreachable(fmt.Sprintf("%s: connection refused", what))
	}
	return apperrors.Transient(apperrors.CodeServiceUnavailable, fmt.Sprintf("%s: %v", what, err))
}

// Proxy implements StreamProxy and DownloadRecording.
type Proxy struct {
	db             *db.Database
	cluster        *cluster.Client
	nodes          *noderegistry.Registry
	httpClient     *http.Client
	fileServerPort int
}

// New builds a Proxy.
func New(database *db.Database, clusterClient *cluster.Client, nodes *noderegistry.Registry, cfg *config.Config) *Proxy {
	return &Proxy{
		db:             database,
		cluster:        clusterClient,
		nodes:          nodes,
		httpClient:     &http.Client{}, // no timeout: streaming relays run for the life of the connection
		fileServerPort: cfg.FileServerPort,
	}
}

// Upstream is the relay target: a response body plus headers worth
// forwarding to the client, and a closer for the caller to defer.
type Upstream struct {
	Body        io.ReadCloser
	ContentType string
	StatusCode  int
}

// StreamProxy resolves cam's ClusterIP Service and opens an upstream GET
// against its stream port. The caller is responsible for copying
// Upstream.Body to the client and closing it on disconnect.
func (p *Proxy) StreamProxy(ctx context.Context, cameraID string) (*Upstream, error) {
	cam, err := p.db.Cameras.Get(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if cam.ServiceName == "" || cam.StreamPort == 0 {
		return nil, apperrors.ServiceUnavailable("camera stream")
	}

	url := fmt.Sprintf("http://%s.%s.svc.cluster.local:%d/stream", cam.ServiceName, p.cluster.Namespace(), cam.StreamPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.InternalServer(err.Error())
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, dialErr(err, "camera stream unreachable")
	}
	return &Upstream{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), StatusCode: resp.StatusCode}, nil
}

// DownloadRecording locates recordingID, tries its node_name hint first,
// and falls back to probing every known node's file-server on a 404.
func (p *Proxy) DownloadRecording(ctx context.Context, recordingID, rangeHeader string) (*Upstream, error) {
	rec, err := p.db.Recordings.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	if rec.NodeName != "" {
		up, err := p.fetchFromNode(ctx, rec.NodeName, rec.FilePath, rangeHeader)
		if err == nil && up.StatusCode != http.StatusNotFound {
			return up, nil
		}
	}

	nodes, err := p.nodes.List(ctx)
	if err != nil {
		return nil, apperrors.NotFound("recording file", recordingID)
	}
	for _, n := range nodes {
		if n.Name == rec.NodeName {
			continue
		}
		up, err := p.fetchFromNode(ctx, n.Name, rec.FilePath, rangeHeader)
		if err == nil && up.StatusCode == http.StatusOK {
			return up, nil
		}
	}
	return nil, apperrors.NotFound("recording file", recordingID)
}

func (p *Proxy) fetchFromNode(ctx context.Context, nodeName, filePath, rangeHeader string) (*Upstream, error) {
	info, err := p.nodes.Resolve(ctx, nodeName)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s:%d/files/%s", info.InternalIP, p.fileServerPort, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.InternalServer(err.Error())
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Proxy().Warn().Err(err).Str("node", nodeName).Msg("file-server probe failed")
		return nil, dialErr(err, "file-server unreachable")
	}
	return &Upstream{Body: resp.Body, ContentType: resp.Header.Get("Content-Type"), StatusCode: resp.StatusCode}, nil
}
