package tests

import (
	"errors"
	"net/url"
	"testing"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"

	"github.com/google/uuid"
)

type summaryReport struct {
	TotalRecords      int `json:"total_records"`
	Programs          int `json:"programs"`
	Uploaders         int `json:"uploaders"`
	UploadsLast30Days int `json:"uploads_last_30_days"`

	ByProgram   map[string]int `json:"by_program"`
	ByDimension map[string]int `json:"by_dimension"`
	ByCriterion map[string]int `json:"by_criterion"`
}

func (c *client) summary(query string) (summaryReport, error) {
	endpoint := "/evidence/summary"
	if query != "" {
		endpoint += "?" + query
	}

	var res summaryReport
	err := c.Get(endpoint).Do(&res)
	return res, err
}

func TestSummary(t *testing.T) {
	env := setupTestEnv(t)

	legacy := schema.Evidence{
		Id:         uuid.New(),
		Program:    "Enfermería",
		UploadedBy: "antiguo@mail.com",
		Url:        "https://res.cloudinary.com/demo/raw/upload/v123/evidencias/archivo.pdf",
	}
	if err := env.db.Create(&legacy).Error; err != nil {
		t.Fatal(err)
	}

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	enf, err := env.newUser("enf", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}
	kin, err := env.newUser("kin", "Kinesiología")
	if err != nil {
		t.Fatal(err)
	}

	uploadOne(t, &enf, "a.pdf")
	uploadOne(t, &enf, "b.pdf")
	uploadOne(t, &kin, "c.pdf")

	_, err = enf.summary("")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("only admins can view the summary")
	}

	report, err := admin.summary("")
	if err != nil {
		t.Fatal(err)
	}

	if report.TotalRecords != 4 || report.Programs != 2 || report.Uploaders != 3 {
		t.Fatalf("unexpected summary %+v", report)
	}
	// The legacy row has no upload date, so it is outside the recent window.
	if report.UploadsLast30Days != 3 {
		t.Fatalf("unexpected recent uploads %+v", report)
	}

	if report.ByProgram["Enfermería"] != 3 || report.ByProgram["Kinesiología"] != 1 {
		t.Fatalf("unexpected program breakdown %+v", report.ByProgram)
	}
	if report.ByDimension[dimDocencia] != 3 || report.ByDimension["Sin clasificar"] != 1 {
		t.Fatalf("unexpected dimension breakdown %+v", report.ByDimension)
	}
	if report.ByCriterion[critModelo] != 3 || report.ByCriterion["Formato antiguo"] != 1 {
		t.Fatalf("unexpected criterion breakdown %+v", report.ByCriterion)
	}

	filtered, err := admin.summary(listQuery(map[string]string{"program": "Kinesiología"}))
	if err != nil {
		t.Fatal(err)
	}
	if filtered.TotalRecords != 1 || filtered.Programs != 1 || filtered.Uploaders != 1 {
		t.Fatalf("unexpected filtered summary %+v", filtered)
	}
}

func TestTaxonomyEndpoints(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	var catalog struct {
		Dimensions []struct {
			Name     string `json:"name"`
			Criteria []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"criteria"`
		} `json:"dimensions"`
	}
	err = user.Get("/taxonomy/").Do(&catalog)
	if err != nil {
		t.Fatal(err)
	}
	if len(catalog.Dimensions) != 5 {
		t.Fatalf("unexpected catalog %+v", catalog)
	}

	var criteria struct {
		Dimension   string   `json:"dimension"`
		Criteria    []string `json:"criteria"`
		Description string   `json:"description"`
	}
	err = user.Get("/taxonomy/criteria?dimension=" + url.QueryEscape(dimDocencia)).Do(&criteria)
	if err != nil {
		t.Fatal(err)
	}
	if len(criteria.Criteria) != 4 {
		t.Fatalf("unexpected criteria %+v", criteria)
	}

	endpoint := "/taxonomy/criteria?dimension=" + url.QueryEscape(dimDocencia) + "&criterion=" + url.QueryEscape(critModelo)
	err = user.Get(endpoint).Do(&criteria)
	if err != nil {
		t.Fatal(err)
	}
	if criteria.Description == "" {
		t.Fatalf("expected a description for the criterion %+v", criteria)
	}

	endpoint = "/taxonomy/criteria?dimension=" + url.QueryEscape(dimDocencia) + "&criterion=" + url.QueryEscape(critGobierno)
	err = user.Get(endpoint).Do(nil)
	if err == nil {
		t.Fatal("criterion from another dimension should fail")
	}
}
