package simulator

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"courier-map/internal/courier"
	"courier-map/internal/logging"
)

type APIConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
}

type api struct {
	store Store
	log   logging.Logger
	now   func() time.Time
}

// NewApp builds the mock courier HTTP API over store.
func NewApp(store Store, cfg APIConfig, log logging.Logger) *fiber.App {
	if log == nil {
		log = logging.Noop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	a := &api{store: store, log: log, now: cfg.Now}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          a.errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(a.requestLog)

	app.Get("/health", a.health)
	app.Get("/couriers", a.listCouriers)
	app.Get("/courier/:id", a.getCourier)
	app.Get("/gtfs-rt/vehicle-positions", a.vehiclePositions)

	return app
}

func (a *api) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	a.log.Debug(c.UserContext(), "http request",
		logging.String("method", c.Method()),
		logging.String("path", c.OriginalURL()),
		logging.Int("status", c.Response().StatusCode()),
		logging.Int("duration_ms", int(time.Since(start).Milliseconds())),
	)
	return err
}

func (a *api) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		a.log.Error(c.UserContext(), "request failed", logging.String("path", c.Path()), logging.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"detail": err.Error()})
}

func (a *api) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   a.now().UTC(),
	})
}

func (a *api) listCouriers(c *fiber.Ctx) error {
	couriers, err := a.store.List(c.UserContext())
	if err != nil {
		return err
	}
	if couriers == nil {
		couriers = courier.Snapshot{}
	}
	return c.JSON(couriers)
}

func (a *api) getCourier(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "courier id must be an integer")
	}
	found, err := a.store.Get(c.UserContext(), id)
	if errors.Is(err, ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "Courier not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(found)
}

func (a *api) vehiclePositions(c *fiber.Ctx) error {
	couriers, err := a.store.List(c.UserContext())
	if err != nil {
		return err
	}
	body, err := EncodeVehiclePositions(couriers, a.now())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/x-protobuf")
	return c.Send(body)
}
