package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSite(t *testing.T) {
	app := fiber.New()
	app.Post("/visit", FetchSite(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	tests := []struct {
		name           string
		secFetchSite   string
		expectedStatus int
	}{
		{"server-side caller without header", "", fiber.StatusOK},
		{"cross-site beacon", "cross-site", fiber.StatusOK},
		{"same-site beacon", "same-site", fiber.StatusOK},
		{"same-origin beacon", "same-origin", fiber.StatusOK},
		{"direct navigation", "none", fiber.StatusOK},
		{"unknown value", "evil-site", fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/visit", nil)
			if tt.secFetchSite != "" {
				req.Header.Set("Sec-Fetch-Site", tt.secFetchSite)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}
