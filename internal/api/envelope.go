package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/webrender"
)

// envelope is the header shared by every request on POST /api. The body is
// decoded again into the type-specific request once the header is known.
type envelope struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	Query      string `json:"query"`
}

type entityIDs struct {
	InputID    string `json:"input_id"`
	OutputID   string `json:"output_id"`
	ShaderID   string `json:"shader_id"`
	InstanceID string `json:"instance_id"`
	ImageID    string `json:"image_id"`
}

const (
	entityInput  = "input_stream"
	entityOutput = "output_stream"
)

func (s *Server) handleEnvelope(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, malformed(err))
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(c, malformed(err))
		return
	}

	var resp any
	switch env.Type {
	case "register":
		err = s.envelopeRegister(c, env.EntityType, body)
	case "unregister":
		err = s.envelopeUnregister(env.EntityType, body)
	case "update_scene":
		var req updateSceneRequest
		if err = decode(body, &req); err == nil {
			err = s.cfg.Engine.UpdateScene(req.Outputs)
		}
	case "query":
		resp, err = s.envelopeQuery(c, env.Query, body)
	case "start":
		err = s.cfg.Engine.Start(s.ctx)
	default:
		err = malformed(fmt.Errorf("unknown request type %q", env.Type))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if resp == nil {
		resp = gin.H{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) envelopeRegister(c *gin.Context, entity string, body []byte) error {
	switch entity {
	case entityInput:
		var req registerInputRequest
		if err := decode(body, &req); err != nil {
			return err
		}
		return s.cfg.Engine.RegisterInput(req.InputID, req.InputOptions)
	case entityOutput:
		var req registerOutputRequest
		if err := decode(body, &req); err != nil {
			return err
		}
		return s.cfg.Engine.RegisterOutput(req.OutputID, req.options())
	}

	spec := engine.RendererSpec{Kind: engine.RendererKind(entity)}
	switch spec.Kind {
	case engine.RendererShader:
		spec.Shader = new(render.ShaderSpec)
		if err := decode(body, spec.Shader); err != nil {
			return err
		}
	case engine.RendererImage:
		spec.Image = new(render.ImageSpec)
		if err := decode(body, spec.Image); err != nil {
			return err
		}
	case engine.RendererWeb:
		spec.Web = new(webrender.Spec)
		if err := decode(body, spec.Web); err != nil {
			return err
		}
	default:
		return malformed(fmt.Errorf("unknown entity_type %q", entity))
	}
	return s.cfg.Engine.RegisterRenderer(c.Request.Context(), spec)
}

func (s *Server) envelopeUnregister(entity string, body []byte) error {
	var ids entityIDs
	if err := decode(body, &ids); err != nil {
		return err
	}
	switch entity {
	case entityInput:
		if s.cfg.Pulls != nil {
			_ = s.cfg.Pulls.Stop(ids.InputID)
		}
		return s.cfg.Engine.UnregisterInput(ids.InputID)
	case entityOutput:
		return s.cfg.Engine.UnregisterOutput(ids.OutputID)
	case string(engine.RendererShader):
		return s.cfg.Engine.UnregisterRenderer(engine.RendererShader, ids.ShaderID)
	case string(engine.RendererImage):
		return s.cfg.Engine.UnregisterRenderer(engine.RendererImage, ids.ImageID)
	case string(engine.RendererWeb):
		return s.cfg.Engine.UnregisterRenderer(engine.RendererWeb, ids.InstanceID)
	}
	return malformed(fmt.Errorf("unknown entity_type %q", entity))
}

func (s *Server) envelopeQuery(c *gin.Context, query string, body []byte) (any, error) {
	switch query {
	case "wait_for_next_frame":
		var ids entityIDs
		if err := decode(body, &ids); err != nil {
			return nil, err
		}
		return nil, s.waitForNextFrame(c.Request.Context(), ids.InputID)
	case "inputs":
		return gin.H{"inputs": s.cfg.Engine.Inputs()}, nil
	case "outputs":
		return gin.H{"outputs": s.cfg.Engine.Outputs()}, nil
	}
	return nil, malformed(fmt.Errorf("unknown query %q", query))
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return malformed(err)
	}
	return nil
}
