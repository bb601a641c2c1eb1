package api

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"roost/pkg/bus"
	"roost/pkg/events"
	gos3 "roost/pkg/s3"
)

// Store holds external dependencies required by the API layer.
type Store struct {
	DB      *pgxpool.Pool
	ORM     *gorm.DB
	S3      *gos3.Client
	Bus     *bus.Bus
	Emitter events.Emitter
}
