// Package routes mounts every HTTP endpoint onto the router.
package routes

import (
	"net/http"
	"strings"

	"github.com/meterdesk/meterdesk/app/controllers"
	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/middleware"
	"github.com/meterdesk/meterdesk/pkg/router"
	"github.com/meterdesk/meterdesk/pkg/ws"
)

// Deps carries everything the route table needs, wired in the bootstrap.
type Deps struct {
	Auth         *controllers.AuthController
	Readings     *controllers.ReadingController
	Health       *controllers.HealthController
	LoadIdentity middleware.IdentityLoader
	Hub          *ws.Hub
}

// RegisterAPI mounts all routes.
func RegisterAPI(r *router.Router, d Deps) {
	authenticate := middleware.Authenticate(d.LoadIdentity)

	r.Get("/health", "health", middleware.Handle(d.Health.Check))
	r.Get("/healthcheck", "healthcheck", middleware.Handle(d.Health.Check))

	api := r.Group("/api")

	users := api.Group("/users")
	users.Post("/register", "users.register", middleware.Handle(d.Auth.Register))
	users.Post("/login", "users.login", middleware.Handle(d.Auth.Login))
	users.Post("/forgotpassword", "users.forgotpassword", middleware.Handle(d.Auth.ForgotPassword))
	users.Put("/resetpassword/{resettoken}", "users.resetpassword", middleware.Handle(d.Auth.ResetPassword))

	me := users.Group("", authenticate)
	me.Get("/me", "users.me", middleware.Handle(d.Auth.Me))
	me.Post("/logout", "users.logout", middleware.Handle(d.Auth.Logout))

	meters := api.Group("/meters", authenticate)
	meters.Get("", "meters.list", middleware.Handle(d.Readings.List))
	meters.Post("", "meters.create", middleware.Handle(d.Readings.Create))
	meters.Get("/radius/{zipcode}/{distance}", "meters.radius",
		middleware.Handle(d.Readings.Radius), middleware.RequireRoles(auth.RoleAdmin))
	meters.Get("/{id}", "meters.get", middleware.Handle(d.Readings.Get))
	meters.Put("/{id}", "meters.update", middleware.Handle(d.Readings.Update))
	meters.Delete("/{id}", "meters.delete", middleware.Handle(d.Readings.Delete))
	meters.Put("/{id}/photo", "meters.photo", middleware.Handle(d.Readings.UploadPhoto))

	// Realtime channel. A valid token tags the client; anonymous peers may
	// still subscribe to broadcasts.
	r.HandleFunc("/ws/readings", func(w http.ResponseWriter, req *http.Request) {
		userID := ""
		if raw := wsToken(req); raw != "" {
			if claims, err := auth.ValidateToken(raw); err == nil {
				userID = claims.UserID
			}
		}
		ws.Upgrade(w, req, d.Hub, userID)
	})
}

// wsToken pulls a token from the Authorization header, the auth cookie, or
// the token query parameter (browsers cannot set ws headers).
func wsToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
