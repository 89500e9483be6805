package rest

import (
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/AzielCF/az-publisher/publishing/application"
	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
	"github.com/gofiber/fiber/v2"
)

type MonitoringHandler struct {
	store      monitoring.Store
	dispatcher *application.Dispatcher
}

type monitoringStats struct {
	Cluster monitoring.GlobalStats    `json:"cluster"`
	Local   application.DispatchStats `json:"local"`
}

// InitRestMonitoring exposes cluster-wide counters next to the local dispatcher state.
func InitRestMonitoring(app fiber.Router, store monitoring.Store, dispatcher *application.Dispatcher) {
	h := &MonitoringHandler{store: store, dispatcher: dispatcher}

	g := app.Group("/monitoring")
	g.Get("/stats", h.GetStats)
	g.Get("/workers", h.GetWorkers)
	g.Get("/servers", h.GetServers)
}

func (h *MonitoringHandler) GetStats(c *fiber.Ctx) error {
	cluster, err := h.store.GetGlobalStats(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch dispatch stats",
		Results: monitoringStats{Cluster: cluster, Local: h.dispatcher.GetStats()},
	})
}

func (h *MonitoringHandler) GetWorkers(c *fiber.Ctx) error {
	activity, err := h.store.GetClusterActivity(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch worker activity",
		Results: activity,
	})
}

func (h *MonitoringHandler) GetServers(c *fiber.Ctx) error {
	servers, err := h.store.GetActiveServers(c.UserContext())
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Success fetch servers",
		Results: servers,
	})
}
