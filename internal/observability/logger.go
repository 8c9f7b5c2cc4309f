package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	logs "github.com/danmuck/roundctl/internal/logging"
)

// InitLogger returns the process logger tagged with app and installs it as the
// zerolog global, used by the HTTP request logger middleware.
func InitLogger(app string) zerolog.Logger {
	logger := logs.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
