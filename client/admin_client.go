package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/go-resty/resty/v2"

	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/router/catalog"
)

const (
	statsPath    = "/stats"
	rebuildPath  = "/hierarchy/rebuild"
	commitPath   = "/commit"
	sanitizePath = "/sanitize"
	extentsPath  = "/extents"
	childrenPath = "/children"

	defaultAdminTimeoutMs = 60000
)

type AdminConfig struct {
	// Addr is the http address of a server, with or without scheme.
	Addr      string `json:"addr"`
	TimeoutMs uint32 `json:"timeout_ms"`
}

// AdminClient drives the http admin surface of one server.
type AdminClient struct {
	client *resty.Client
}

func NewAdminClient(cfg *AdminConfig) *AdminClient {
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = defaultAdminTimeoutMs
	}
	addr := cfg.Addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &AdminClient{
		client: resty.New().
			SetBaseURL(addr).
			SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond),
	}
}

func (c *AdminClient) Stats(ctx context.Context) (*proto.ServerStats, error) {
	ret := &proto.ServerStats{}
	if err := c.do(ctx, http.MethodGet, statsPath, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *AdminClient) RebuildHierarchy(ctx context.Context) (*proto.RebuildStats, error) {
	ret := &proto.RebuildStats{}
	if err := c.do(ctx, http.MethodPost, rebuildPath, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Commit flushes every shard of the cluster.
func (c *AdminClient) Commit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, commitPath, nil)
}

// Sanitize removes the metadata databases of the server.
func (c *AdminClient) Sanitize(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, sanitizePath, nil)
}

func (c *AdminClient) ReadExtents(ctx context.Context, fid proto.Fid, offset, length uint64) (*catalog.ReadPlan, error) {
	ret := &catalog.ReadPlan{}
	query := map[string]string{
		"fid":    strconv.FormatInt(int64(fid), 10),
		"offset": strconv.FormatUint(offset, 10),
		"length": strconv.FormatUint(length, 10),
	}
	if err := c.doQuery(ctx, http.MethodGet, extentsPath, query, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *AdminClient) GetChildren(ctx context.Context, parent proto.Gfid) ([]proto.FileAttr, error) {
	var ret []proto.FileAttr
	query := map[string]string{"gfid": strconv.FormatInt(int64(parent), 10)}
	if err := c.doQuery(ctx, http.MethodGet, childrenPath, query, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, result interface{}) error {
	return c.doQuery(ctx, method, path, nil, result)
}

func (c *AdminClient) doQuery(ctx context.Context, method, path string, query map[string]string, result interface{}) error {
	span := trace.SpanFromContextSafe(ctx)
	req := c.client.R().SetContext(ctx).SetHeader(proto.ReqIdKey, span.TraceID())
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
