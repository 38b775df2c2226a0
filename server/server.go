package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"kindred/compose"
	"kindred/fetcher"
	"kindred/models"
	"kindred/reflection"
	"kindred/store"
	"kindred/thread"
	"kindred/visibility"
)

type ServerConfig struct {
	// Store backs thread assembly and the remote procedures
	Store *store.Store

	// Composer produces every feed page
	Composer *compose.Composer

	// Resolver supplies visibility sets for thread assembly
	Resolver *visibility.Resolver

	// Reflection is the generative reflection client; nil disables the route
	Reflection *reflection.Client

	// Broadcaster passes new posts to SSE clients
	Broadcaster *Broadcaster
}

// sendError maps engine errors onto transport statuses. A store failure is
// retryable and must never be dressed up as an empty page.
func sendError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	case errors.Is(err, compose.ErrVisibilityResolution):
		log.WithFields(log.Fields{"error": err}).Error("Visibility resolution failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "visibility resolution failed"})
	case errors.Is(err, store.ErrUnavailable):
		log.WithFields(log.Fields{"error": err}).Error("Store unavailable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable", "retryable": true})
	default:
		log.WithFields(log.Fields{"error": err}).Error("Request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// threadNode is the JSON shape of one node in an assembled thread.
type threadNode struct {
	Post             models.Post   `json:"post"`
	IsMuted          bool          `json:"isMuted,omitempty"`
	ChildCount       int           `json:"childCount"`
	State            string        `json:"state"`
	HasDeeperReplies bool          `json:"hasDeeperReplies"`
	Children         []*threadNode `json:"children,omitempty"`
}

func snapshotNode(assembler *thread.Assembler, node thread.Node) *threadNode {
	out := &threadNode{
		Post:             node.Post,
		IsMuted:          node.IsMuted,
		ChildCount:       node.ChildCount,
		State:            node.State.String(),
		HasDeeperReplies: node.HasDeeperReplies(),
	}
	for _, child := range assembler.ChildNodes(node.Post.ID) {
		out.Children = append(out.Children, snapshotNode(assembler, child))
	}
	return out
}

// Returns a fiber.App instance serving the composed feed surface
func Server(config *ServerConfig) *fiber.App {

	bc := config.Broadcaster

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	composePage := func(c *fiber.Ctx, spec fetcher.FeedSpec, viewerID string) error {
		page, err := config.Composer.ComposePage(c.Context(), spec, c.Query("cursor", ""), viewerID)
		if err != nil {
			return sendError(c, err)
		}
		return c.JSON(page)
	}

	app.Get("/feed/home", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")
		return composePage(c, fetcher.Home{ViewerID: viewer}, viewer)
	})

	app.Get("/feed/list/:id", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")
		return composePage(c, fetcher.List{ViewerID: viewer, ListID: c.Params("id")}, viewer)
	})

	app.Get("/search", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")

		var tags []fetcher.TagFilter
		for _, category := range []models.TagCategory{models.TagDiagnosis, models.TagTreatment, models.TagMedication} {
			if name := c.Query(string(category), ""); name != "" {
				tags = append(tags, fetcher.TagFilter{Category: category, Name: name})
			}
		}

		mode := fetcher.MatchMode(c.Query("mode", string(fetcher.MatchAll)))
		if mode != fetcher.MatchAll && mode != fetcher.MatchAny {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid match mode"})
		}

		spec := fetcher.Search{
			ViewerID: viewer,
			Query:    c.Query("q", ""),
			Tags:     tags,
			Mode:     mode,
			SortKey:  models.SortKey(c.Query("sort", string(models.SortCreated))),
		}
		return composePage(c, spec, viewer)
	})

	app.Get("/profile/:author", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")
		spec := fetcher.Profile{
			ViewerID: viewer,
			AuthorID: c.Params("author"),
			Tab:      fetcher.ProfileTab(c.Query("tab", string(fetcher.TabPosts))),
		}
		return composePage(c, spec, viewer)
	})

	app.Get("/thread/:id", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")

		vis, err := config.Resolver.Resolve(c.Context(), viewer)
		if err != nil {
			return sendError(c, fmt.Errorf("%w: %v", compose.ErrVisibilityResolution, err))
		}

		assembler := thread.NewAssembler(config.Store, viewer, vis)
		if err := assembler.Assemble(c.Context(), c.Params("id")); err != nil {
			return sendError(c, err)
		}

		root, ok := assembler.Root()
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
		}
		return c.JSON(snapshotNode(assembler, root))
	})

	app.Get("/thread/node/:id/replies", func(c *fiber.Ctx) error {
		viewer := c.Query("viewer", "")

		vis, err := config.Resolver.Resolve(c.Context(), viewer)
		if err != nil {
			return sendError(c, fmt.Errorf("%w: %v", compose.ErrVisibilityResolution, err))
		}

		assembler := thread.NewAssembler(config.Store, viewer, vis)
		if err := assembler.Load(c.Context(), c.Params("id")); err != nil {
			return sendError(c, err)
		}
		if _, err := assembler.Expand(c.Context(), c.Params("id")); err != nil {
			return sendError(c, err)
		}

		children := make([]*threadNode, 0)
		for _, child := range assembler.ChildNodes(c.Params("id")) {
			children = append(children, snapshotNode(assembler, child))
		}
		return c.JSON(children)
	})

	app.Post("/posts/:id/report", func(c *fiber.Ctx) error {
		var body struct {
			Reason      string `json:"reason"`
			Description string `json:"description"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		hidden, err := config.Store.ReportPost(c.Context(), c.Params("id"), body.Reason, body.Description)
		if err != nil {
			return sendError(c, err)
		}
		return c.JSON(fiber.Map{"hidden": hidden})
	})

	app.Delete("/users/:id", func(c *fiber.Ctx) error {
		if err := config.Store.DeleteUserAccount(c.Context(), c.Params("id")); err != nil {
			return sendError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/reflection/:user", func(c *fiber.Ctx) error {
		if config.Reflection == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "reflection not configured"})
		}

		result, err := config.Reflection.Generate(c.Context(), c.Params("user"))
		switch {
		case errors.Is(err, reflection.ErrNotEnoughData):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_enough_data"})
		case errors.Is(err, reflection.ErrCooldown):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cooldown"})
		case err != nil:
			return sendError(c, err)
		}
		return c.JSON(result)
	})

	app.Delete("/feed/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(fiber.StatusOK).SendString("OK")
	})

	app.Get("/feed/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		sseCreatePostChannel := make(chan models.CreatePostEvent, 10) // Buffered channel
		aliveChan := time.NewTicker(5 * time.Second)

		defer aliveChan.Stop()

		bc.AddClient(key, sseCreatePostChannel)

		cleanup := func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			bc.RemoveClient(key)
		}

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cleanup()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case post, ok := <-sseCreatePostChannel:
					if !ok {
						log.Warnf("CreatePostChannel closed for client %s", key)
						return
					}
					jsonPost, err := json.Marshal(post.Post)
					if err != nil {
						log.Errorf("Error marshalling post for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: create-post\ndata: %s\n\n", jsonPost); err != nil {
						log.Warnf("Failed to send create-post event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush create-post event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
