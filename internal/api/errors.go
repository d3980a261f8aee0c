package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/mosaic/internal/codec"
	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/ingest"
	"github.com/zsiec/mosaic/internal/ingest/srt"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/scene"
	"github.com/zsiec/mosaic/internal/webrender"
)

var (
	errMalformed    = errors.New("malformed request")
	errQueryTimeout = errors.New("query timed out")
	errNotEnabled   = errors.New("not enabled")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorCode string   `json:"error_code"`
	Msg       string   `json:"msg"`
	Stack     []string `json:"stack"`
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", errMalformed, err)
}

// classify maps an error chain to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest, "MALFORMED_REQUEST"
	case errors.Is(err, errQueryTimeout):
		return http.StatusRequestTimeout, "QUERY_TIMEOUT"
	case errors.Is(err, errPullFailed):
		return http.StatusBadGateway, "SRT_PULL_FAILED"
	case errors.Is(err, errNotEnabled):
		return http.StatusNotImplemented, "NOT_ENABLED"
	case errors.Is(err, scene.ErrInvalidScene):
		return http.StatusBadRequest, "INVALID_SCENE"
	case errors.Is(err, engine.ErrUnsupportedResolution):
		return http.StatusBadRequest, "UNSUPPORTED_RESOLUTION"
	case errors.Is(err, webrender.ErrDisabled):
		return http.StatusBadRequest, "WEB_RENDERER_DISABLED"
	case errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, media.ErrInvalidFramerate),
		errors.Is(err, codec.ErrUnknownEncoder):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, engine.ErrAlreadyRegistered), errors.Is(err, ingest.ErrBusy),
		errors.Is(err, srt.ErrPullActive):
		return http.StatusConflict, "ALREADY_REGISTERED"
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, ingest.ErrUnknownInput),
		errors.Is(err, srt.ErrPullNotFound),
		errors.Is(err, render.ErrImageNotFound),
		errors.Is(err, render.ErrShaderNotFound),
		errors.Is(err, webrender.ErrNotFound),
		errors.Is(err, scene.ErrUnknownOutput):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, "ENGINE_CLOSED"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}

// errorStack lists the messages of err and everything it wraps, outermost
// first.
func errorStack(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		for e != nil {
			out = append(out, e.Error())
			switch u := e.(type) {
			case interface{ Unwrap() []error }:
				for _, inner := range u.Unwrap() {
					walk(inner)
				}
				return
			case interface{ Unwrap() error }:
				e = u.Unwrap()
			default:
				return
			}
		}
	}
	walk(err)
	return out
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		ErrorCode: code,
		Msg:       err.Error(),
		Stack:     errorStack(err),
	})
}
