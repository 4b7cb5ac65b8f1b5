package middleware

import (
	"github.com/gofiber/fiber/v2"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"
)

// AllowedFetchSites are the Sec-Fetch-Site values a browser sends for the
// tracker beacon: the page may be on any site.
var AllowedFetchSites = []string{"cross-site", "same-site", "same-origin", "none"}

// FetchSite validates Sec-Fetch-Site on POST when the header is present.
// Requests without it are server-side integrations and pass through.
func FetchSite() fiber.Handler {
	return cartridgemiddleware.SecFetchSiteMiddleware(cartridgemiddleware.SecFetchSiteConfig{
		AllowedValues: AllowedFetchSites,
		Methods:       []string{fiber.MethodPost},
		Next: func(c *fiber.Ctx) bool {
			return c.Get("Sec-Fetch-Site") == ""
		},
	})
}
