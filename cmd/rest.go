package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/AzielCF/az-publisher/ui/rest"
	"github.com/AzielCF/az-publisher/ui/rest/middleware"
	"github.com/AzielCF/az-publisher/ui/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the publishing API and run dispatch workers on this node",
	Run:   restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func restServer(_ *cobra.Command, _ []string) {
	accounts, err := basicAuthAccounts(cfg.App.BasicAuth)
	if err != nil {
		logrus.Fatalf("[REST] %v", err)
	}

	ctx := context.Background()
	node, err := openStorage(ctx)
	if err != nil {
		logrus.Fatalf("[APP] %v", err)
	}
	node.buildPipeline()
	if err := node.start(ctx); err != nil {
		logrus.Fatalf("[APP] %v", err)
	}

	app := newFiberApp()

	apiGroup := app.Group(cfg.App.BasePath + "/api")
	apiGroup.Use(basicauth.New(basicauth.Config{
		Users: accounts,
		Next: func(c *fiber.Ctx) bool {
			// Allow CORS preflight without credentials.
			return c.Method() == fiber.MethodOptions
		},
	}))

	rest.InitRestPost(apiGroup, node.postUsecase)
	rest.InitRestCredential(apiGroup, node.credentialUsecase)
	rest.InitRestMonitoring(apiGroup, node.monitor, node.dispatcher)
	websocket.RegisterRoutes(apiGroup, node.hub)

	apiGroup.All("/*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(utils.ResponseData{
			Status:  fiber.StatusNotFound,
			Code:    "NOT_FOUND_ERROR",
			Message: "no endpoint at " + c.Path(),
		})
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[REST] Termination signal received, draining API and workers")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Errorf("[REST] Failed to start: %v", err)
	}
	node.stop()
}

// basicAuthAccounts parses APP_BASIC_AUTH entries of the form user:secret.
// The API refuses to start without at least one account.
func basicAuthAccounts(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("APP_BASIC_AUTH is required, set APP_BASIC_AUTH=<user>:<secret>[,<user2>:<secret2>]")
	}
	accounts := make(map[string]string, len(entries))
	for _, entry := range entries {
		user, secret, ok := strings.Cut(entry, ":")
		if !ok || user == "" || secret == "" {
			return nil, fmt.Errorf("invalid basic auth entry %q, expected <user>:<secret>", entry)
		}
		accounts[user] = secret
	}
	return accounts, nil
}

func newFiberApp() *fiber.App {
	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		BodyLimit:               4 * 1024 * 1024,
		Network:                 "tcp",
		AppName:                 "az-publisher",
		ServerHeader:            "Hidden",
	}
	if len(cfg.App.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = cfg.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedFor
	}

	app := fiber.New(fiberConfig)
	app.Use(requestid.New())

	origins := strings.Join(cfg.App.CorsAllowedOrigins, ", ")
	if cfg.App.BaseUrl != "" && !strings.Contains(origins, cfg.App.BaseUrl) {
		origins += ", " + cfg.App.BaseUrl
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Organization-ID, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "no-referrer",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
	if cfg.App.Debug {
		app.Use(logger.New())
	}

	app.Get(cfg.App.BasePath+"/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}
