package tests

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"

	"github.com/google/uuid"
)

const (
	dimDocencia  = "I. DIMENSIÓN DOCENCIA Y RESULTADOS DEL PROCESO FORMATIVO"
	dimGestion   = "II. DIMENSIÓN GESTIÓN ESTRATÉGICA Y RECURSOS INSTITUCIONALES"
	critModelo   = "Criterio 1. Modelo educativo y diseño curricular"
	critProcesos = "Criterio 2. Procesos y resultados de enseñanza y aprendizaje"
	critGobierno = "Criterio 5. Gobierno y estructura organizacional"
)

func listQuery(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func TestUploadAndList(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	files := []struct{ name, data string }{
		{"informe.pdf", "contenido del informe"},
		{"anexo.docx", "contenido del anexo"},
	}

	res, err := user.upload(dimDocencia, critModelo, files)
	if err != nil {
		t.Fatal(err)
	}

	if res.Uploaded != 2 || res.Failed != 0 || len(res.Results) != 2 {
		t.Fatalf("unexpected upload result %+v", res)
	}

	for _, file := range files {
		path := filepath.Join(env.storage.Location(), "Enfermería", dimDocencia, critModelo, file.name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != file.data {
			t.Fatalf("file %v has wrong content '%v'", file.name, string(data))
		}
	}

	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}

	if list.Total != 2 || len(list.Evidences) != 2 {
		t.Fatalf("expected 2 evidences, got %+v", list)
	}

	for _, row := range list.Evidences {
		if row.Program != "Enfermería" || row.UploadedBy != "abc@mail.com" {
			t.Fatalf("unexpected evidence %+v", row)
		}
		if row.Dimension != dimDocencia || row.Criterion != critModelo || row.Legacy {
			t.Fatalf("unexpected evidence %+v", row)
		}
	}

	if len(list.Programs) != 1 || list.Programs[0] != "Enfermería" {
		t.Fatalf("unexpected programs %v", list.Programs)
	}
	if len(list.Dimensions) != 5 {
		t.Fatalf("unexpected dimensions %v", list.Dimensions)
	}
}

func TestUploadRejectsUnknownCriterion(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	files := []struct{ name, data string }{{"a.pdf", "text"}}

	_, err = user.upload(dimDocencia, critGobierno, files)
	if err == nil || !strings.Contains(err.Error(), "status 422") {
		t.Fatalf("criterion from another dimension should be rejected: %v", err)
	}

	_, err = user.upload(dimDocencia, "Criterio 99. Inventado", files)
	if err == nil || !strings.Contains(err.Error(), "status 422") {
		t.Fatalf("unknown criterion should be rejected: %v", err)
	}

	_, err = user.upload(dimDocencia, critModelo, nil)
	if err == nil || !strings.Contains(err.Error(), "status 422") {
		t.Fatalf("upload with no files should be rejected: %v", err)
	}
}

func TestAdminUploadsForOtherProgram(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}

	files := []struct{ name, data string }{{"plan.pdf", "plan de estudios"}}

	endpoint := fmt.Sprintf("/evidence/upload?dimension=%v&criterion=%v&program=%v",
		url.QueryEscape(dimDocencia), url.QueryEscape(critModelo), url.QueryEscape("Kinesiología"))
	body, contentType := createUploadBody(files)

	var res uploadResult
	err = admin.Post(endpoint).Header("Content-Type", contentType).Body(body).Do(&res)
	if err != nil {
		t.Fatal(err)
	}

	list, err := admin.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Evidences[0].Program != "Kinesiología" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestListFilters(t *testing.T) {
	env := setupTestEnv(t)

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

	uploads := []struct {
		client    *client
		dimension string
		criterion string
		name      string
	}{
		{&enf, dimDocencia, critModelo, "a.pdf"},
		{&enf, dimDocencia, critProcesos, "b.pdf"},
		{&kin, dimDocencia, critModelo, "c.pdf"},
		{&kin, dimGestion, critGobierno, "d.pdf"},
	}
	for _, u := range uploads {
		_, err := u.client.upload(u.dimension, u.criterion, []struct{ name, data string }{{u.name, "data"}})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := admin.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if all.Total != 4 {
		t.Fatalf("expected 4 evidences, got %d", all.Total)
	}
	if len(all.Programs) != 2 || all.Programs[0] != "Enfermería" || all.Programs[1] != "Kinesiología" {
		t.Fatalf("unexpected programs %v", all.Programs)
	}

	byProgram, err := admin.listEvidence(listQuery(map[string]string{"program": "Enfermería"}))
	if err != nil {
		t.Fatal(err)
	}
	if byProgram.Total != 2 {
		t.Fatalf("expected 2 evidences for program, got %d", byProgram.Total)
	}

	byDimension, err := admin.listEvidence(listQuery(map[string]string{"dimension": dimGestion}))
	if err != nil {
		t.Fatal(err)
	}
	if byDimension.Total != 1 || byDimension.Evidences[0].Filename != "d.pdf" {
		t.Fatalf("unexpected dimension filter result %+v", byDimension)
	}
	if len(byDimension.Criteria) != 4 {
		t.Fatalf("expected criteria choices for the dimension, got %v", byDimension.Criteria)
	}

	byCriterion, err := admin.listEvidence(listQuery(map[string]string{"criterion": critModelo}))
	if err != nil {
		t.Fatal(err)
	}
	if byCriterion.Total != 2 {
		t.Fatalf("expected 2 evidences for criterion, got %d", byCriterion.Total)
	}

	// Non admins only see their own program even if they ask for another.
	scoped, err := enf.listEvidence(listQuery(map[string]string{"program": "Kinesiología"}))
	if err != nil {
		t.Fatal(err)
	}
	if scoped.Total != 2 {
		t.Fatalf("expected own program only, got %+v", scoped)
	}
	for _, row := range scoped.Evidences {
		if row.Program != "Enfermería" {
			t.Fatalf("unexpected program in scoped list %+v", row)
		}
	}
}

func TestListDateFilters(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.upload(dimDocencia, critModelo, []struct{ name, data string }{{"a.pdf", "data"}})
	if err != nil {
		t.Fatal(err)
	}

	today, err := user.listEvidence(listQuery(map[string]string{"from": "2020-01-01"}))
	if err != nil {
		t.Fatal(err)
	}
	if today.Total != 1 {
		t.Fatalf("expected upload to match open ended range, got %d", today.Total)
	}

	past, err := user.listEvidence(listQuery(map[string]string{"to": "2020-01-01"}))
	if err != nil {
		t.Fatal(err)
	}
	if past.Total != 0 {
		t.Fatalf("expected no matches before upload date, got %d", past.Total)
	}

	_, err = user.listEvidence(listQuery(map[string]string{"from": "not-a-date"}))
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("malformed date should be rejected: %v", err)
	}
}

func TestLegacyRows(t *testing.T) {
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

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Fatalf("expected legacy row in list, got %+v", list)
	}

	row := list.Evidences[0]
	if !row.Legacy {
		t.Fatalf("row should be marked legacy %+v", row)
	}
	if row.Dimension != "Sin clasificar" || row.Criterion != "Formato antiguo" || row.Filename != "Archivo sin nombre" {
		t.Fatalf("unexpected legacy defaults %+v", row)
	}

	// Legacy rows have no classification, so they never match these filters.
	filtered, err := user.listEvidence(listQuery(map[string]string{"dimension": dimDocencia}))
	if err != nil {
		t.Fatal(err)
	}
	if filtered.Total != 0 {
		t.Fatalf("legacy rows should not match dimension filters, got %+v", filtered)
	}

	dated, err := user.listEvidence(listQuery(map[string]string{"from": "2020-01-01"}))
	if err != nil {
		t.Fatal(err)
	}
	if dated.Total != 0 {
		t.Fatalf("legacy rows without dates should not match date filters, got %+v", dated)
	}
}

func TestStorageStatus(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	var res map[string]interface{}
	err = user.Get("/evidence/storage").Do(&res)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("users cannot view storage status")
	}

	err = admin.Get("/evidence/storage").Do(&res)
	if err != nil {
		t.Fatal(err)
	}

	if res["location"] != env.storage.Location() {
		t.Fatalf("unexpected storage status %v", res)
	}
	if total, ok := res["total_bytes"].(float64); !ok || total <= 0 {
		t.Fatalf("expected usage stats in storage status %v", res)
	}
}

func TestUploadPartialBatchFailure(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc", "Enfermería")
	if err != nil {
		t.Fatal(err)
	}

	// Populate the listing cache before the broken upload.
	list, err := user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 0 {
		t.Fatalf("expected empty listing, got %+v", list)
	}

	// A valid first file followed by a part whose headers are cut off.
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", "primero.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("contenido")); err != nil {
		t.Fatal(err)
	}
	body.WriteString("\r\n--" + writer.Boundary() + "\r\nContent-Disposition: form-data;")

	endpoint := fmt.Sprintf("/evidence/upload?dimension=%v&criterion=%v", url.QueryEscape(dimDocencia), url.QueryEscape(critModelo))
	err = user.Post(endpoint).Header("Content-Type", writer.FormDataContentType()).Body(body).Do(nil)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("broken multipart body should fail: %v", err)
	}

	// The file before the broken part was committed and must show up
	// immediately, the broken request cannot leave the cache stale.
	list, err = user.listEvidence("")
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Evidences[0].Filename != "primero.pdf" {
		t.Fatalf("committed file should be listed after a broken batch, got %+v", list)
	}
}
