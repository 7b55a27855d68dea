package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 60
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.serve(lis)
	log.Info("http server is running at:", lis.Addr())
	return nil
}

func (h *HttpServer) serve(lis net.Listener) {
	ph := profile.NewProfileHandler(lis.Addr().String())
	httpServer := &http.Server{
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats)
	router.Handle(http.MethodGet, "/extents", h.ReadExtents)
	router.Handle(http.MethodGet, "/children", h.GetChildren)
	router.Handle(http.MethodPost, "/hierarchy/rebuild", h.RebuildHierarchy)
	router.Handle(http.MethodPost, "/commit", h.Commit)
	router.Handle(http.MethodPost, "/sanitize", h.Sanitize)

	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	router.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return router
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ctx := requestContext(c)
	stats, err := h.Server.Stats(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondJSON(stats)
}

// ReadExtents answers GET /extents?fid=&offset=&length= with a read plan.
func (h *HttpServer) ReadExtents(c *rpc.Context) {
	ctx := requestContext(c)
	query := c.Request.URL.Query()
	fid, err := strconv.ParseInt(query.Get("fid"), 10, 32)
	if err != nil {
		h.respondError(c, apierrors.ErrInvalidExtent)
		return
	}
	offset, err := strconv.ParseUint(query.Get("offset"), 10, 64)
	if err != nil {
		h.respondError(c, apierrors.ErrInvalidExtent)
		return
	}
	length, err := strconv.ParseUint(query.Get("length"), 10, 64)
	if err != nil {
		h.respondError(c, apierrors.ErrInvalidExtent)
		return
	}
	plan, err := h.router.ReadExtents(ctx, proto.Fid(fid), offset, length)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondJSON(plan)
}

func (h *HttpServer) GetChildren(c *rpc.Context) {
	ctx := requestContext(c)
	gfid, err := strconv.ParseInt(c.Request.URL.Query().Get("gfid"), 10, 32)
	if err != nil {
		h.respondError(c, apierrors.ErrInvalidAttr)
		return
	}
	children, err := h.router.GetChildren(ctx, proto.Gfid(gfid))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondJSON(children)
}

func (h *HttpServer) RebuildHierarchy(c *rpc.Context) {
	ctx := requestContext(c)
	stats, err := h.router.RebuildHierarchy(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondJSON(stats)
}

func (h *HttpServer) Commit(c *rpc.Context) {
	ctx := requestContext(c)
	if err := h.router.Commit(ctx); err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) Sanitize(c *rpc.Context) {
	ctx := requestContext(c)
	if err := h.Server.Sanitize(ctx); err != nil {
		h.respondError(c, err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) respondError(c *rpc.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContextSafe(c.Request.Context())
		span.Errorf("%s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
	}
	c.RespondError(rpc.NewError(status, "", err))
}

func requestContext(c *rpc.Context) context.Context {
	reqID := c.Request.Header.Get(proto.ReqIdKey)
	if reqID == "" {
		_, ctx := trace.StartSpanFromContext(c.Request.Context(), c.Request.URL.Path)
		return ctx
	}
	_, ctx := trace.StartSpanFromContextWithTraceID(c.Request.Context(), c.Request.URL.Path, reqID)
	return ctx
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, apierrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apierrors.ErrInvalidExtent),
		errors.Is(err, apierrors.ErrInvalidAttr),
		errors.Is(err, apierrors.ErrFilenameTooLong),
		errors.Is(err, apierrors.ErrBatchTooLarge),
		errors.Is(err, apierrors.ErrTooManyResults):
		return http.StatusBadRequest
	case errors.Is(err, apierrors.ErrNotMetaServer):
		return http.StatusConflict
	case errors.Is(err, apierrors.ErrShardUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
