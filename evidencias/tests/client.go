package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return ErrUnauthorized
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var ErrUnauthorized = errors.New("unauthorized")

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password, program string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password, "program": program,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) addUser(username, email, password, program, role string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password, "program": program, "role": role,
	}

	err := c.Post("/user/create").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) promoteAdmin(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) demoteAdmin(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) changePassword(newPassword, confirmPassword string) error {
	body := map[string]string{"new_password": newPassword, "confirm_password": confirmPassword}
	return c.Post("/user/change-password").Json(body).Do(nil)
}

type uploadResult struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Results  []struct {
		Filename string    `json:"filename"`
		Id       uuid.UUID `json:"id"`
		Url      string    `json:"url"`
		Error    string    `json:"error"`
	} `json:"results"`
}

func (c *client) upload(dimension, criterion string, files []struct{ name, data string }) (uploadResult, error) {
	body, contentType := createUploadBody(files)

	endpoint := fmt.Sprintf("/evidence/upload?dimension=%v&criterion=%v", url.QueryEscape(dimension), url.QueryEscape(criterion))

	var res uploadResult
	err := c.Post(endpoint).Header("Content-Type", contentType).Body(body).Do(&res)
	return res, err
}

func createUploadBody(files []struct{ name, data string }) (io.Reader, string) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	for _, file := range files {
		part, err := writer.CreateFormFile("files", file.name)
		if err != nil {
			panic(err)
		}

		if _, err := part.Write([]byte(file.data)); err != nil {
			panic(err)
		}
	}

	if err := writer.Close(); err != nil {
		panic(err)
	}

	return body, writer.FormDataContentType()
}

type evidenceList struct {
	Evidences []struct {
		Id         uuid.UUID `json:"id"`
		Program    string    `json:"program"`
		UploadedBy string    `json:"uploaded_by"`
		Url        string    `json:"url"`
		Dimension  string    `json:"dimension"`
		Criterion  string    `json:"criterion"`
		Filename   string    `json:"filename"`
		Legacy     bool      `json:"legacy"`
	} `json:"evidences"`
	Total      int      `json:"total"`
	Dimensions []string `json:"dimensions"`
	Criteria   []string `json:"criteria"`
	Programs   []string `json:"programs"`
}

func (c *client) listEvidence(query string) (evidenceList, error) {
	endpoint := "/evidence/list"
	if query != "" {
		endpoint += "?" + query
	}

	var res evidenceList
	err := c.Get(endpoint).Do(&res)
	return res, err
}

type draftState struct {
	State  string `json:"state"`
	Staged []struct {
		Id       uuid.UUID `json:"id"`
		Filename string    `json:"filename"`
	} `json:"staged"`
}

func (c *client) draftState() (draftState, error) {
	var res draftState
	err := c.Get("/evidence/delete/").Do(&res)
	return res, err
}

func (c *client) stage(ids []uuid.UUID) (draftState, error) {
	body := map[string][]uuid.UUID{"evidence_ids": ids}

	var res draftState
	err := c.Post("/evidence/delete/stage").Json(body).Do(&res)
	return res, err
}

func (c *client) unstage(id uuid.UUID) (draftState, error) {
	var res draftState
	err := c.Delete(fmt.Sprintf("/evidence/delete/stage/%v", id)).Do(&res)
	return res, err
}

func (c *client) discard() error {
	return c.Delete("/evidence/delete/stage").Do(nil)
}

type confirmationPrompt struct {
	State        string `json:"state"`
	StagedCount  int    `json:"staged_count"`
	Confirmation string `json:"confirmation"`
}

func (c *client) requestConfirmation() (confirmationPrompt, error) {
	var res confirmationPrompt
	err := c.Post("/evidence/delete/request").Do(&res)
	return res, err
}

type deletionOutcome struct {
	RecordsDeleted int `json:"records_deleted"`
	RecordsFailed  int `json:"records_failed"`
	BlobsFailed    int `json:"blobs_failed"`
}

func (c *client) confirmDeletion() (deletionOutcome, error) {
	var res deletionOutcome
	err := c.Post("/evidence/delete/confirm").Do(&res)
	return res, err
}

func (c *client) cancelDeletion() error {
	return c.Post("/evidence/delete/cancel").Do(nil)
}
