package admin

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"pouw-captcha/internal/timing"
	"pouw-captcha/logging"
)

func (s *Server) getStatus(ctx echo.Context) error {
	status := StatusDto{
		Status:           "ok",
		StartedAt:        s.startedAt.UTC(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ModelsLoaded:     len(s.c.Shards.AvailableModels()),
		DefaultModel:     s.c.DefaultModel,
		GroundTruthCount: s.c.Cache.Len(),
		Operations:       timing.Summaries(),
	}
	if s.c.Coordinator != nil {
		status.Tasks = s.c.Coordinator.Stats()
	}
	if status.ModelsLoaded == 0 {
		status.Status = "degraded"
	}
	return ctx.JSON(http.StatusOK, status)
}

func (s *Server) getModels(ctx echo.Context) error {
	names := s.c.Shards.AvailableModels()
	models := make([]ModelDto, 0, len(names))
	for _, name := range names {
		dto := ModelDto{Name: name, Version: s.c.Shards.Version(name), Layers: []string{}}
		if loaded, ok := s.c.Shards.Shards(name); ok {
			dto.Shards = len(loaded)
			for _, shard := range loaded {
				dto.Layers = append(dto.Layers, shard.Name)
			}
		}
		if meta, ok := s.c.Shards.Metadata(name); ok {
			dto.Description = meta.Description
			dto.TaskType = meta.TaskType
			dto.Labels = len(meta.Labels)
		}
		models = append(models, dto)
	}
	return ctx.JSON(http.StatusOK, models)
}

// reloadModels rereads metadata and then shards, so the new shard catalog
// picks up the new metadata.
func (s *Server) reloadModels(ctx echo.Context) error {
	previous := len(s.c.Shards.AvailableModels())
	if s.c.Registry != nil {
		if err := s.c.Registry.Load(ctx.Request().Context()); err != nil {
			logging.Error("Error reloading model metadata", logging.Server, "error", err)
			return ctx.JSON(http.StatusInternalServerError, ErrorDto{Error: err.Error()})
		}
	}
	if err := s.c.Shards.Reload(ctx.Request().Context()); err != nil {
		logging.Error("Error reloading shards", logging.Server, "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorDto{Error: err.Error()})
	}
	return ctx.JSON(http.StatusOK, ReloadDto{Models: s.c.Shards.AvailableModels(), Previous: previous})
}

func (s *Server) getGroundTruthStats(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.c.Cache.Stats())
}

func (s *Server) saveGroundTruth(ctx echo.Context) error {
	var body SaveGroundTruthDto
	if ctx.Request().ContentLength > 0 {
		if err := ctx.Bind(&body); err != nil {
			return ctx.JSON(http.StatusBadRequest, ErrorDto{Error: "invalid request body"})
		}
	}
	if err := s.c.Cache.Save(body.Model); err != nil {
		logging.Error("Error saving ground truth", logging.Server, "model", body.Model, "error", err)
		return ctx.JSON(http.StatusInternalServerError, ErrorDto{Error: err.Error()})
	}
	return ctx.JSON(http.StatusOK, s.c.Cache.Stats())
}
