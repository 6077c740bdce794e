// Package api serves story generation over HTTP.
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/tinystory/internal/webui"
)

type Server struct {
	store   *StoryStore
	service *StoryService
	metrics http.Handler
	ui      http.Handler
}

func NewServer(store *StoryStore, service *StoryService) *Server {
	if store == nil {
		store = NewStoryStore(DefaultStoreSize, DefaultStoreTTL)
	}
	return &Server{
		store:   store,
		service: service,
		metrics: promhttp.Handler(),
		ui:      http.FileServer(webui.StaticFS()),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/stories", s.handleCreateStory)
	e.GET("/v1/stories/:id", s.handleGetStory)
	e.DELETE("/v1/stories/:id", s.handleDeleteStory)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/", s.handleUI)
}

func (s *Server) handleCreateStory(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, ErrServiceClosed)
	}
	req, err := decodeJSON[StoryRequest](c.Request().Body)
	if err != nil {
		return writeError(c, invalidStory("%v", err))
	}
	if err := validate(&req); err != nil {
		return writeError(c, err)
	}

	stream := req.Stream != nil && *req.Stream
	if v := c.QueryParam("stream"); v != "" {
		if stream, err = strconv.ParseBool(v); err != nil {
			return writeError(c, invalidStory("stream must be a boolean"))
		}
	}

	if stream {
		w, err := NewSSEStreamWriter(c)
		if err != nil {
			return writeError(c, err)
		}
		story, err := s.service.Create(c.Request().Context(), &req, w)
		if err == nil {
			s.store.Put(*story)
		}
		// Failures were reported as story.failed events.
		return nil
	}

	story, err := s.service.Create(c.Request().Context(), &req, nil)
	if err != nil {
		return writeError(c, err)
	}
	s.store.Put(*story)
	return c.JSON(http.StatusOK, story)
}

func (s *Server) handleGetStory(c *echo.Context) error {
	id := c.Param("id")
	story, ok := s.store.Get(id)
	if !ok {
		return writeError(c, storyNotFound(id))
	}
	return c.JSON(http.StatusOK, story)
}

func (s *Server) handleDeleteStory(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeError(c, storyNotFound(id))
	}
	return c.JSON(http.StatusOK, DeletedResponse{ID: id, Object: "story.deleted", Deleted: true})
}

func (s *Server) handleHealth(c *echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.service != nil {
		sum := s.service.Summary()
		resp.Device = sum.Device.String()
		resp.Engine = sum.Engine
		resp.ModelType = sum.ModelType
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleUI(c *echo.Context) error {
	s.ui.ServeHTTP(c.Response(), c.Request())
	return nil
}
