package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminApp(token string) *fiber.App {
	app := fiber.New()
	app.Get("/admin", AdminTokenMiddleware(token), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestAdminTokenMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		headers map[string]string
		want    int
	}{
		{name: "header", token: "s3cret", headers: map[string]string{AdminTokenHeader: "s3cret"}, want: fiber.StatusOK},
		{name: "bearer", token: "s3cret", headers: map[string]string{"Authorization": "Bearer s3cret"}, want: fiber.StatusOK},
		{name: "wrong token", token: "s3cret", headers: map[string]string{AdminTokenHeader: "guess"}, want: fiber.StatusUnauthorized},
		{name: "missing token", token: "s3cret", want: fiber.StatusUnauthorized},
		{name: "basic auth is not a token", token: "s3cret", headers: map[string]string{"Authorization": "Basic s3cret"}, want: fiber.StatusUnauthorized},
		{name: "disabled", token: "", headers: map[string]string{AdminTokenHeader: ""}, want: fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := newAdminApp(tt.token).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
