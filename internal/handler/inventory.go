package handler

import (
	"net/http"

	"token-delivery-service/internal/dto"
	"token-delivery-service/internal/service"

	"github.com/labstack/echo/v4"
)

type InventoryHandler struct {
	inventoryService service.InventoryService
}

func NewInventoryHandler(inventoryService service.InventoryService) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
	}
}

func (h *InventoryHandler) GetInventory(c echo.Context) error {
	ctx := c.Request().Context()

	counter, err := h.inventoryService.Counter(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &dto.InventoryResponse{
		AssetID:   counter.AssetID,
		Available: counter.AvailableBalance,
		Reserved:  counter.ReservedBalance,
		Sold:      counter.SoldBalance,
	})
}
