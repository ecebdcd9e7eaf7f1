package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/cache"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/storage"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/taxonomy"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/workflow"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EvidenceService struct {
	db       *gorm.DB
	blobs    storage.BlobStore
	userAuth auth.IdentityProvider
	drafts   *workflow.DraftStore

	listCache *cache.TTLCache[[]schema.Evidence]
}

func (s *EvidenceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Post("/upload", s.Upload)
	r.Get("/list", s.List)

	r.Route("/delete", func(r chi.Router) {
		r.Get("/", s.DraftState)
		r.Post("/stage", s.Stage)
		r.Delete("/stage", s.Discard)
		r.Delete("/stage/{evidence_id}", s.Unstage)
		r.Post("/request", s.RequestConfirmation)
		r.Post("/confirm", s.Confirm)
		r.Post("/cancel", s.Cancel)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.AdminOnly(s.db))

		r.Get("/summary", s.Summary)
		r.Get("/storage", s.StorageStatus)
	})

	return r
}

func (s *EvidenceService) loadEvidence() ([]schema.Evidence, error) {
	return s.listCache.Get(func() ([]schema.Evidence, error) {
		return schema.ListEvidence(s.db)
	})
}

type EvidenceInfo struct {
	Id         uuid.UUID  `json:"id"`
	Program    string     `json:"program"`
	UploadedBy string     `json:"uploaded_by"`
	Url        string     `json:"url"`
	UploadDate *time.Time `json:"upload_date"`
	Dimension  string     `json:"dimension"`
	Criterion  string     `json:"criterion"`
	Filename   string     `json:"filename"`
	Legacy     bool       `json:"legacy"`
}

func convertToEvidenceInfo(row *schema.Evidence) EvidenceInfo {
	info := EvidenceInfo{
		Id:         row.Id,
		Program:    row.Program,
		UploadedBy: row.UploadedBy,
		Url:        row.Url,
		Dimension:  row.DimensionOrDefault(),
		Criterion:  row.CriterionOrDefault(),
		Filename:   row.FilenameOrDefault(),
		Legacy:     row.IsLegacy(),
	}
	if !row.UploadDate.IsZero() {
		date := row.UploadDate
		info.UploadDate = &date
	}
	return info
}

type uploadFileResult struct {
	Filename string    `json:"filename"`
	Id       uuid.UUID `json:"id,omitempty"`
	Url      string    `json:"url,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type uploadResponse struct {
	Uploaded int                `json:"uploaded"`
	Failed   int                `json:"failed"`
	Results  []uploadFileResult `json:"results"`
}

// Upload stores one or more evidence files for the criterion given in the
// query parameters. Each file succeeds or fails on its own, a broken file in
// the middle of a batch does not discard the rest.
func (s *EvidenceService) Upload(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dimension := utils.QueryParam(r, "dimension")
	criterion := utils.QueryParam(r, "criterion")
	if !taxonomy.Valid(dimension, criterion) {
		http.Error(w, fmt.Sprintf("criterion '%v' does not belong to dimension '%v'", criterion, dimension), http.StatusUnprocessableEntity)
		return
	}

	program := user.Program
	if user.IsAdmin {
		if override := utils.QueryParam(r, "program"); override != "" {
			program = override
		}
	}

	boundary, err := getMultipartBoundary(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	reader := multipart.NewReader(r.Body, boundary)

	var res uploadResponse

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Files before the broken part are already committed, the cache
			// must not keep serving a listing without them.
			if res.Uploaded > 0 {
				s.listCache.Invalidate()
			}
			http.Error(w, fmt.Sprintf("error parsing multipart request after %v files were stored: %v", res.Uploaded, err), http.StatusBadRequest)
			return
		}
		defer part.Close()

		if part.FormName() != "files" {
			continue
		}

		if part.FileName() == "" {
			http.Error(w, "invalid filename detected in upload files: filename cannot be empty", http.StatusUnprocessableEntity)
			return
		}

		result := s.uploadOne(r, program, dimension, criterion, user.Email, part)
		if result.Error != "" {
			res.Failed++
		} else {
			res.Uploaded++
		}
		res.Results = append(res.Results, result)
	}

	if len(res.Results) == 0 {
		http.Error(w, "no files provided in upload", http.StatusUnprocessableEntity)
		return
	}

	if res.Uploaded > 0 {
		s.listCache.Invalidate()
	}

	utils.WriteJsonResponse(w, res)
}

func (s *EvidenceService) uploadOne(r *http.Request, program, dimension, criterion, uploader string, part *multipart.Part) uploadFileResult {
	filename := part.FileName()
	path := storage.ObjectPath(program, dimension, criterion, filename)

	url, err := s.blobs.Upload(r.Context(), path, part, part.Header.Get("Content-Type"))
	if err != nil {
		slog.Error("error uploading evidence file", "path", path, "error", err)
		return uploadFileResult{Filename: filename, Error: "error storing uploaded file"}
	}

	sanitized := storage.SanitizeSegment(filename)
	row := schema.Evidence{
		Id:         uuid.New(),
		Program:    program,
		UploadedBy: uploader,
		Url:        url,
		UploadDate: time.Now().UTC(),
		Dimension:  &dimension,
		Criterion:  &criterion,
		Filename:   &sanitized,
	}

	result := s.db.Create(&row)
	if result.Error != nil {
		slog.Error("sql error creating evidence record", "path", path, "error", result.Error)
		// The blob is orphaned if the record cannot be written, remove it so
		// the store does not accumulate unreachable files.
		if err := s.blobs.Delete(r.Context(), path); err != nil {
			slog.Error("error removing blob after failed record insert", "path", path, "error", err)
		}
		return uploadFileResult{Filename: filename, Error: "error recording uploaded file"}
	}

	return uploadFileResult{Filename: filename, Id: row.Id, Url: url}
}

type listResponse struct {
	Evidences  []EvidenceInfo `json:"evidences"`
	Total      int            `json:"total"`
	Dimensions []string       `json:"dimensions"`
	Criteria   []string       `json:"criteria"`
	Programs   []string       `json:"programs"`
}

func (s *EvidenceService) filterFromRequest(r *http.Request, user schema.User) (EvidenceFilter, error) {
	filter := EvidenceFilter{
		Program:   utils.QueryParam(r, "program"),
		Dimension: utils.QueryParam(r, "dimension"),
		Criterion: utils.QueryParam(r, "criterion"),
	}

	// Non admins only ever see their own program.
	if !user.IsAdmin {
		filter.Program = user.Program
	}

	from, err := utils.QueryParamDate(r, "from")
	if err != nil {
		return EvidenceFilter{}, CodedError(err, http.StatusBadRequest)
	}
	to, err := utils.QueryParamDate(r, "to")
	if err != nil {
		return EvidenceFilter{}, CodedError(err, http.StatusBadRequest)
	}
	filter.From, filter.To = from, to

	return filter, nil
}

func (s *EvidenceService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filter, err := s.filterFromRequest(r, user)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	rows, err := s.loadEvidence()
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing evidence: %v", err), http.StatusInternalServerError)
		return
	}

	matched := applyFilter(rows, filter)

	res := listResponse{
		Evidences:  make([]EvidenceInfo, 0, len(matched)),
		Total:      len(matched),
		Dimensions: taxonomy.Dimensions(),
		Criteria:   criterionChoices(filter.Dimension),
		Programs:   sortedPrograms(rows),
	}
	for i := range matched {
		res.Evidences = append(res.Evidences, convertToEvidenceInfo(&matched[i]))
	}

	utils.WriteJsonResponse(w, res)
}

func (s *EvidenceService) StorageStatus(w http.ResponseWriter, r *http.Request) {
	type storageStatus struct {
		Location   string `json:"location"`
		TotalBytes uint64 `json:"total_bytes,omitempty"`
		FreeBytes  uint64 `json:"free_bytes,omitempty"`
	}

	status := storageStatus{Location: s.blobs.Location()}

	if reporter, ok := s.blobs.(storage.UsageReporter); ok {
		usage, err := reporter.Usage()
		if err != nil {
			http.Error(w, fmt.Sprintf("error getting storage usage: %v", err), http.StatusInternalServerError)
			return
		}
		status.TotalBytes = usage.TotalBytes
		status.FreeBytes = usage.FreeBytes
	}

	utils.WriteJsonResponse(w, status)
}

type stageRequest struct {
	EvidenceIds []uuid.UUID `json:"evidence_ids"`
}

type draftStateResponse struct {
	State  workflow.State `json:"state"`
	Staged []EvidenceInfo `json:"staged"`
}

func (s *EvidenceService) draftState(userId uuid.UUID) (draftStateResponse, error) {
	state, stagedIds := s.drafts.Current(userId)

	res := draftStateResponse{State: state, Staged: make([]EvidenceInfo, 0, len(stagedIds))}
	for _, id := range stagedIds {
		row, err := schema.GetEvidence(id, s.db)
		if err != nil {
			if errors.Is(err, schema.ErrEvidenceNotFound) {
				// Staged rows can disappear if another session deletes them,
				// they are simply not shown.
				continue
			}
			return draftStateResponse{}, err
		}
		res.Staged = append(res.Staged, convertToEvidenceInfo(&row))
	}
	return res, nil
}

func (s *EvidenceService) DraftState(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res, err := s.draftState(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading deletion draft: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, res)
}

func (s *EvidenceService) Stage(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params stageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.EvidenceIds) == 0 {
		http.Error(w, "no evidence ids provided to stage", http.StatusUnprocessableEntity)
		return
	}

	for _, id := range params.EvidenceIds {
		row, err := schema.GetEvidence(id, s.db)
		if err != nil {
			if errors.Is(err, schema.ErrEvidenceNotFound) {
				http.Error(w, fmt.Sprintf("evidence %v not found", id), http.StatusNotFound)
				return
			}
			http.Error(w, fmt.Sprintf("error staging evidence: %v", err), http.StatusInternalServerError)
			return
		}
		if !auth.CanDeleteEvidence(user, &row) {
			http.Error(w, fmt.Sprintf("user %v cannot delete evidence %v", user.Id, id), http.StatusForbidden)
			return
		}
	}

	added, err := s.drafts.Stage(user.Id, params.EvidenceIds)
	if err != nil {
		http.Error(w, fmt.Sprintf("error staging evidence: %v", err), GetResponseCode(draftError(err)))
		return
	}

	slog.Info("staged evidence for deletion", "user_id", user.Id, "added", added)

	res, err := s.draftState(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading deletion draft: %v", err), http.StatusInternalServerError)
		return
	}
	utils.WriteJsonResponse(w, res)
}

func (s *EvidenceService) Unstage(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	evidenceId, err := utils.URLParamUUID(r, "evidence_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.drafts.Unstage(user.Id, evidenceId); err != nil {
		http.Error(w, fmt.Sprintf("error unstaging evidence: %v", err), GetResponseCode(draftError(err)))
		return
	}

	res, err := s.draftState(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading deletion draft: %v", err), http.StatusInternalServerError)
		return
	}
	utils.WriteJsonResponse(w, res)
}

func (s *EvidenceService) Discard(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.drafts.Discard(user.Id); err != nil {
		http.Error(w, fmt.Sprintf("error discarding deletion draft: %v", err), GetResponseCode(draftError(err)))
		return
	}

	utils.WriteSuccess(w)
}

type requestConfirmationResponse struct {
	State        workflow.State `json:"state"`
	StagedCount  int            `json:"staged_count"`
	Confirmation string         `json:"confirmation"`
}

func (s *EvidenceService) RequestConfirmation(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	count, err := s.drafts.RequestConfirmation(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error requesting deletion confirmation: %v", err), GetResponseCode(draftError(err)))
		return
	}

	utils.WriteJsonResponse(w, requestConfirmationResponse{
		State:        workflow.AwaitingConfirmation,
		StagedCount:  count,
		Confirmation: fmt.Sprintf("%v registros serán eliminados permanentemente. Esta acción no se puede deshacer.", count),
	})
}

func (s *EvidenceService) Cancel(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.drafts.Cancel(user.Id); err != nil {
		http.Error(w, fmt.Sprintf("error cancelling deletion: %v", err), GetResponseCode(draftError(err)))
		return
	}

	utils.WriteSuccess(w)
}

type confirmResponse struct {
	RecordsDeleted int `json:"records_deleted"`
	RecordsFailed  int `json:"records_failed"`
	BlobsFailed    int `json:"blobs_failed"`
}

// Confirm executes the staged deletions. The record is always removed
// first, a blob that cannot be deleted afterwards is reported but never
// blocks the record removal.
func (s *EvidenceService) Confirm(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	staged, err := s.drafts.BeginExecution(user.Id)
	if err != nil {
		http.Error(w, fmt.Sprintf("error confirming deletion: %v", err), GetResponseCode(draftError(err)))
		return
	}
	defer s.drafts.FinishExecution(user.Id)

	var res confirmResponse

	for _, id := range staged {
		row, err := schema.GetEvidence(id, s.db)
		if err != nil {
			if errors.Is(err, schema.ErrEvidenceNotFound) {
				// Already gone, nothing left to delete.
				res.RecordsDeleted++
				continue
			}
			res.RecordsFailed++
			continue
		}

		result := s.db.Delete(&schema.Evidence{Id: id})
		if result.Error != nil {
			slog.Error("sql error deleting evidence record", "evidence_id", id, "error", result.Error)
			res.RecordsFailed++
			continue
		}
		res.RecordsDeleted++

		path, err := s.blobs.ResolvePath(row.Url)
		if err != nil {
			slog.Error("unable to resolve blob path for deleted record", "evidence_id", id, "url", row.Url, "error", err)
			res.BlobsFailed++
			continue
		}

		if err := s.blobs.Delete(r.Context(), path); err != nil {
			slog.Error("error deleting blob for deleted record", "evidence_id", id, "path", path, "error", err)
			res.BlobsFailed++
		}
	}

	if res.RecordsDeleted > 0 {
		s.listCache.Invalidate()
	}

	slog.Info("deletion executed",
		"user_id", user.Id,
		"records_deleted", res.RecordsDeleted,
		"records_failed", res.RecordsFailed,
		"blobs_failed", res.BlobsFailed,
	)

	utils.WriteJsonResponse(w, res)
}
