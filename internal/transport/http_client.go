package transport

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syftmirror/internal/mirrormsg"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/server/api"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
)

const (
	HeaderMirrorVersion = "X-Mirror-Version"
	// HeaderRequestId identifies a delivery so that retries are applied once.
	HeaderRequestId = "X-Mirror-Request-Id"
)

var UserAgent = fmt.Sprintf("syftmirror/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// HTTPClient posts requests to the target's HTTP endpoints. Calls are
// serialized so the target sees them in the order they were sent.
type HTTPClient struct {
	mu     sync.Mutex
	client *req.Client
}

var (
	_ replication.Transport  = (*HTTPClient)(nil)
	_ replication.Reconciler = (*HTTPClient)(nil)
)

func NewHTTPClient(serverURL string) *HTTPClient {
	client := req.C().
		SetBaseURL(serverURL).
		SetTimeout(2*time.Minute).
		SetCommonRetryCount(3).
		SetCommonRetryFixedInterval(1*time.Second).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderMirrorVersion, version.Version).
		SetCommonErrorResult(&api.APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)
	return &HTTPClient{client: client}
}

func (h *HTTPClient) Send(ctx context.Context, r *replication.Request) (*replication.Response, error) {
	return h.post(ctx, PathReplicate, r, "replicate")
}

func (h *HTTPClient) Reconcile(ctx context.Context, m *replication.Manifest) (*replication.Response, error) {
	return h.post(ctx, PathReconcile, m, "reconcile")
}

func (h *HTTPClient) post(ctx context.Context, path string, body any, operation string) (*replication.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var resp replication.Response
	res, err := h.client.R().
		SetContext(ctx).
		SetHeader(HeaderRequestId, utils.TokenHex(mirrormsg.IdSize)).
		SetBody(body).
		SetSuccessResult(&resp).
		Post(path)

	if err := handleAPIError(res, err, operation); err != nil {
		return nil, err
	}
	return &resp, nil
}

func handleAPIError(res *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	if res.IsErrorState() {
		if err, ok := res.ErrorResult().(*api.APIError); ok {
			return fmt.Errorf("%s %w", operation, err)
		}
		return fmt.Errorf("api error: %s status %d", operation, res.StatusCode)
	}
	return nil
}
