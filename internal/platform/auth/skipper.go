package auth

import (
	"github.com/labstack/echo/v4"
)

// Infrastructure endpoints reachable without credentials. The websocket
// stream only carries what boards in the waiting room already display.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	"/ws":        true,
}

// AuthSkipper is the Skipper for JWTConfig.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
