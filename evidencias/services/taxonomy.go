package services

import (
	"net/http"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/taxonomy"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
	"github.com/go-chi/chi/v5"
)

// TaxonomyService exposes the accreditation catalog so clients can build
// the dimension and criterion selectors without hardcoding the standard.
type TaxonomyService struct {
	userAuth auth.IdentityProvider
}

func (s *TaxonomyService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/", s.Catalog)
	r.Get("/criteria", s.Criteria)

	return r
}

func (s *TaxonomyService) Catalog(w http.ResponseWriter, r *http.Request) {
	utils.WriteJsonResponse(w, taxonomy.Get())
}

type criteriaResponse struct {
	Dimension   string   `json:"dimension,omitempty"`
	Criteria    []string `json:"criteria"`
	Description string   `json:"description,omitempty"`
}

func (s *TaxonomyService) Criteria(w http.ResponseWriter, r *http.Request) {
	dimension := utils.QueryParam(r, "dimension")
	criterion := utils.QueryParam(r, "criterion")

	res := criteriaResponse{Dimension: dimension, Criteria: criterionChoices(dimension)}

	if criterion != "" {
		description, ok := taxonomy.Description(dimension, criterion)
		if !ok {
			http.Error(w, "unknown dimension or criterion", http.StatusNotFound)
			return
		}
		res.Description = description
	}

	utils.WriteJsonResponse(w, res)
}
