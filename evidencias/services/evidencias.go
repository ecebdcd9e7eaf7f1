package services

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/cache"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/storage"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/workflow"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Cache lifetimes for the read paths. Evidence changes more often than the
// user roster, so it expires faster.
const (
	userCacheTtl     = 5 * time.Minute
	evidenceCacheTtl = time.Minute
)

// Evidencias aggregates the services of the evidence platform behind a
// single router.
type Evidencias struct {
	user     UserService
	evidence EvidenceService
	taxonomy TaxonomyService

	db *gorm.DB
}

func NewEvidencias(db *gorm.DB, blobs storage.BlobStore, userAuth auth.IdentityProvider) Evidencias {
	return Evidencias{
		user: UserService{
			db:        db,
			userAuth:  userAuth,
			listCache: cache.New[[]schema.User](userCacheTtl),
		},
		evidence: EvidenceService{
			db:        db,
			blobs:     blobs,
			userAuth:  userAuth,
			drafts:    workflow.NewDraftStore(),
			listCache: cache.New[[]schema.Evidence](evidenceCacheTtl),
		},
		taxonomy: TaxonomyService{userAuth: userAuth},
		db:       db,
	}
}

func (e *Evidencias) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", e.user.Routes())
	r.Mount("/evidence", e.evidence.Routes())
	r.Mount("/taxonomy", e.taxonomy.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}
