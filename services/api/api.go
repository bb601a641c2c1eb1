package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"roost/services/carve"
	"roost/services/distributed"
	"roost/services/enrollment"
	"roost/services/inventory"
)

const (
	defaultArchiveURLTTL = 15 * time.Minute
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	CarveBucket        string
	ArchiveURLTTL      time.Duration
	OsqueryOptionsPath string
	Logger             *log.Logger
}

// API wires the protocol services behind the HTTP surface.
type API struct {
	store  *Store
	config Config
	logger *log.Logger

	osqueryOptions map[string]any

	enrollment  *enrollment.Store
	inventory   *inventory.Store
	registry    *distributed.Registry
	coordinator *distributed.Coordinator
	carves      *carve.Manager
}

// New initialises the API layer. Blocks defaults to the store's S3 client.
func New(store *Store, signer *enrollment.Signer, blocks carve.BlockStore, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if store.Emitter == nil {
		return nil, errors.New("store emitter is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ArchiveURLTTL <= 0 {
		cfg.ArchiveURLTTL = defaultArchiveURLTTL
	}
	if cfg.CarveBucket == "" {
		cfg.CarveBucket = os.Getenv("ROOST_CARVE_BUCKET")
	}
	if cfg.CarveBucket == "" {
		return nil, errors.New("carve bucket is required")
	}
	if blocks == nil {
		if store.S3 == nil {
			return nil, errors.New("block store is required")
		}
		blocks = store.S3
	}

	options, err := loadOsqueryOptions(cfg.OsqueryOptionsPath)
	if err != nil {
		return nil, err
	}

	enrollmentStore, err := enrollment.NewStore(store.ORM, signer, cfg.Logger)
	if err != nil {
		return nil, err
	}
	inventoryStore, err := inventory.NewStore(store.ORM, store.Emitter, cfg.Logger)
	if err != nil {
		return nil, err
	}
	registry, err := distributed.NewRegistry(store.ORM)
	if err != nil {
		return nil, err
	}
	coordinator, err := distributed.NewCoordinator(store.ORM, registry, inventoryStore, store.Emitter, cfg.Logger)
	if err != nil {
		return nil, err
	}
	carves, err := carve.NewManager(store.ORM, registry, blocks, cfg.CarveBucket, store.Emitter, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &API{
		store:          store,
		config:         cfg,
		logger:         cfg.Logger,
		osqueryOptions: options,
		enrollment:     enrollmentStore,
		inventory:      inventoryStore,
		registry:       registry,
		coordinator:    coordinator,
		carves:         carves,
	}, nil
}

// Routes constructs the chi router containing all protocol endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/osquery", func(r chi.Router) {
			r.Post("/enroll", a.handleOsqueryEnroll)
			r.Post("/config", a.handleOsqueryConfig)
			r.Post("/distributed/read", a.handleDistributedRead)
			r.Post("/distributed/write", a.handleDistributedWrite)
			r.Post("/carve/start", a.handleCarveStart)
			r.Post("/carve/continue", a.handleCarveContinue)
			r.Post("/log", a.handleOsqueryLog)
		})
		r.Route("/mdm", func(r chi.Router) {
			r.Post("/ota/enroll", a.handleOTAEnroll)
			r.Post("/scep/verify", a.handleSCEPVerify)
			r.Post("/checkin", a.handleCheckin)
		})
		r.Get("/carves/{sessionID}/archive", a.handleCarveArchive)
	})

	return r, nil
}
