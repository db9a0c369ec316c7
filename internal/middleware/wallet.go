package middleware

import (
	"net/http"
	"strings"

	"token-delivery-service/internal/client"

	"github.com/labstack/echo/v4"
)

const WalletKey = "wallet"

// WalletAddress rejects requests whose :address param is not a valid account
// address and stores the normalised address under WalletKey.
func WalletAddress() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			address := strings.TrimSpace(c.Param("address"))
			if err := client.ValidateAddress(address); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid wallet address")
			}
			c.Set(WalletKey, address)
			return next(c)
		}
	}
}

func Wallet(c echo.Context) string {
	address, _ := c.Get(WalletKey).(string)
	return address
}
