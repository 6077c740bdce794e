package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/tinystory/internal/api"
	"github.com/samcharles93/tinystory/internal/inference"
	"github.com/samcharles93/tinystory/internal/logger"
	"github.com/urfave/cli/v3"
)

const defaultServeAddr = "127.0.0.1:8080"

func serveCmd(s *settings) *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeSize   int64
		storeTTL    time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the story REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       defaultServeAddr,
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "number of finished stories kept for retrieval",
				Value:       api.DefaultStoreSize,
				Destination: &storeSize,
			},
			&cli.DurationFlag{
				Name:        "store-ttl",
				Usage:       "how long a finished story stays retrievable",
				Value:       api.DefaultStoreTTL,
				Destination: &storeTTL,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if s.cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = s.cfg.ServerAddress
			}

			session, err := inference.Open(ctx, sessionOptions(cmd, s, log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			e, service := newEcho(session, api.NewStoryStore(int(storeSize), storeTTL))
			// The service waits for the generation in flight before it
			// releases the session.
			defer func() {
				if cerr := service.Close(); cerr != nil {
					log.Warn("close session", "err", cerr)
				}
			}()

			log.Info("starting server", "address", addr, "device", session.Device, "engine", session.Engine)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func newEcho(session *inference.Session, store *api.StoryStore) (*echo.Echo, *api.StoryService) {
	service := api.NewStoryService(session, session.Defaults)
	server := api.NewServer(store, service)
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	server.Register(e)
	return e, service
}
