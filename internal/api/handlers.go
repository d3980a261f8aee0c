package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/ingest"
	"github.com/zsiec/mosaic/internal/ingest/srt"
	"github.com/zsiec/mosaic/internal/output"
	"github.com/zsiec/mosaic/internal/scene"
)

var errPullFailed = errors.New("srt pull failed")

// registerInputRequest is the input registration body. Options sit at the
// top level next to the id.
type registerInputRequest struct {
	InputID string `json:"input_id"`
	engine.InputOptions
}

// registerOutputRequest also accepts the destination as top-level ip, port
// and stream_id.
type registerOutputRequest struct {
	OutputID string `json:"output_id"`
	engine.OutputOptions
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

func (r *registerOutputRequest) options() engine.OutputOptions {
	opts := r.OutputOptions
	if opts.Destination == nil && r.IP != "" {
		opts.Destination = &output.Destination{IP: r.IP, Port: r.Port, StreamID: r.StreamID}
	}
	return opts
}

type updateSceneRequest struct {
	Outputs []scene.OutputScene `json:"outputs"`
}

// SceneResponse is the current scene of one output.
type SceneResponse struct {
	OutputID string             `json:"output_id"`
	Version  uint64             `json:"version"`
	Root     *scene.Node        `json:"root"`
	Audio    []scene.AudioInput `json:"audio"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	engine.Snapshot
	Ingest []ingest.Stats    `json:"ingest"`
	Pulls  []srt.PullRequest `json:"pulls"`
	MQTT   *events.MQTTStats `json:"mqtt,omitempty"`
}

type certHashResponse struct {
	Hash     string `json:"hash"`
	Addr     string `json:"addr"`
	NotAfter string `json:"notAfter"`
}

func ok(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) }

func (s *Server) handleStart(c *gin.Context) {
	if err := s.cfg.Engine.Start(s.ctx); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleListInputs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"inputs": s.cfg.Engine.Inputs()})
}

func (s *Server) handleRegisterInput(c *gin.Context) {
	var req registerInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, malformed(err))
		return
	}
	if err := s.cfg.Engine.RegisterInput(req.InputID, req.InputOptions); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleUnregisterInput(c *gin.Context) {
	id := c.Param("id")
	// A publisher pulled by the caller would otherwise keep dialing.
	if s.cfg.Pulls != nil {
		_ = s.cfg.Pulls.Stop(id)
	}
	if err := s.cfg.Engine.UnregisterInput(id); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleWaitForNextFrame(c *gin.Context) {
	if err := s.waitForNextFrame(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) waitForNextFrame(ctx context.Context, inputID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	err := s.cfg.Engine.WaitForNextFrame(ctx, inputID)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: no frame on input %q within %s", errQueryTimeout, inputID, s.cfg.QueryTimeout)
	}
	return err
}

func (s *Server) handleListOutputs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"outputs": s.cfg.Engine.Outputs()})
}

func (s *Server) handleRegisterOutput(c *gin.Context) {
	var req registerOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, malformed(err))
		return
	}
	if err := s.cfg.Engine.RegisterOutput(req.OutputID, req.options()); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleUnregisterOutput(c *gin.Context) {
	if err := s.cfg.Engine.UnregisterOutput(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleGetScene(c *gin.Context) {
	sc, err := s.cfg.Engine.Scene(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	audio := sc.Audio
	if audio == nil {
		audio = []scene.AudioInput{}
	}
	c.JSON(http.StatusOK, SceneResponse{
		OutputID: sc.OutputID,
		Version:  sc.Version,
		Root:     sc.Root,
		Audio:    audio,
	})
}

func (s *Server) handleUpdateScene(c *gin.Context) {
	var req updateSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, malformed(err))
		return
	}
	if err := s.cfg.Engine.UpdateScene(req.Outputs); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleListRenderers(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Engine.Renderers())
}

func (s *Server) handleRegisterRenderer(c *gin.Context) {
	var spec engine.RendererSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, malformed(err))
		return
	}
	if err := s.cfg.Engine.RegisterRenderer(c.Request.Context(), spec); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleUnregisterRenderer(c *gin.Context) {
	kind := engine.RendererKind(c.Param("kind"))
	if err := s.cfg.Engine.UnregisterRenderer(kind, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleInvalidateWeb(c *gin.Context) {
	if err := s.cfg.Engine.InvalidateWebRenderer(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	ok(c)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Snapshot: s.cfg.Engine.Snapshot(),
		Ingest:   []ingest.Stats{},
		Pulls:    []srt.PullRequest{},
	}
	if s.cfg.Ingest != nil {
		resp.Ingest = s.cfg.Ingest()
	}
	if s.cfg.Pulls != nil {
		resp.Pulls = s.cfg.Pulls.ActivePulls()
	}
	if s.cfg.MQTT != nil {
		st := s.cfg.MQTT()
		resp.MQTT = &st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.cfg.Events == nil {
		c.JSON(http.StatusOK, gin.H{"events": []events.Event{}})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, malformed(fmt.Errorf("limit %q must be a positive integer", v)))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.cfg.Events.Recent(limit)})
}

// The SRT pull endpoints dial arbitrary addresses. Expose them to trusted
// operators only.
func (s *Server) handleSRTPullList(c *gin.Context) {
	if s.cfg.Pulls == nil {
		c.JSON(http.StatusOK, []srt.PullRequest{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Pulls.ActivePulls())
}

func (s *Server) handleSRTPullCreate(c *gin.Context) {
	if s.cfg.Pulls == nil {
		writeError(c, fmt.Errorf("srt pull: %w", errNotEnabled))
		return
	}
	var req srt.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, malformed(err))
		return
	}
	if req.Address == "" || req.InputID == "" {
		writeError(c, malformed(errors.New("address and input_id are required")))
		return
	}
	if err := s.cfg.Pulls.Pull(s.ctx, req); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownInput), errors.Is(err, ingest.ErrBusy),
			errors.Is(err, srt.ErrPullActive):
		case errors.Is(err, srt.ErrInvalidPull):
			err = malformed(err)
		default:
			err = fmt.Errorf("%w: %w", errPullFailed, err)
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "pulling", "input_id": req.InputID})
}

func (s *Server) handleSRTPullStop(c *gin.Context) {
	if s.cfg.Pulls == nil {
		writeError(c, fmt.Errorf("srt pull: %w", errNotEnabled))
		return
	}
	inputID := c.Query("input_id")
	if inputID == "" {
		writeError(c, malformed(errors.New("input_id query parameter required")))
		return
	}
	if err := s.cfg.Pulls.Stop(inputID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "input_id": inputID})
}

func (s *Server) handleCertHash(c *gin.Context) {
	if s.cfg.Cert == nil {
		writeError(c, fmt.Errorf("http/3: %w", errNotEnabled))
		return
	}
	c.JSON(http.StatusOK, certHashResponse{
		Hash:     s.cfg.Cert.FingerprintBase64(),
		Addr:     s.cfg.H3Addr,
		NotAfter: s.cfg.Cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
	})
}
