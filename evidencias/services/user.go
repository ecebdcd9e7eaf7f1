package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/cache"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider

	// Listing users hits the db on every admin panel refresh, cached the
	// same way the evidence listing is.
	listCache *cache.TTLCache[[]schema.User]
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if s.userAuth.AllowDirectSignup() {
			r.Post("/signup", s.Signup)
		}

		r.Get("/login", s.LoginWithEmail)
		r.Post("/login-with-token", s.LoginWithToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Post("/change-password", s.ChangePassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Get("/list", s.List)
		r.Post("/create", s.CreateUser)

		r.Delete("/{user_id}", s.DeleteUser)

		r.Post("/{user_id}/admin", s.PromoteAdmin)
		r.Delete("/{user_id}/admin", s.DemoteAdmin)
	})

	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Program  string `json:"program"`
}

type createUserRequest struct {
	signupRequest
	Role string `json:"role"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func createUserErrorCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrEmailAlreadyInUse), errors.Is(err, auth.ErrUsernameAlreadyInUse):
		return http.StatusConflict
	case errors.Is(err, auth.ErrPasswordTooShort):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.userAuth.AllowDirectSignup() {
		http.Error(w, "direct signup is not supported for this identity provider", http.StatusBadRequest)
		return
	}

	if params.Program == "" {
		http.Error(w, "a program must be provided when signing up", http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(auth.NewUserArgs{
		Username: params.Username,
		Email:    params.Email,
		Password: params.Password,
		Program:  params.Program,
		IsAdmin:  false,
	})
	if err != nil {
		http.Error(w, err.Error(), createUserErrorCode(err))
		return
	}

	s.listCache.Invalidate()

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type loginWithTokenRequest struct {
	AccessToken string `json:"access_token"`
}

func (s *UserService) LoginWithToken(w http.ResponseWriter, r *http.Request) {
	var params loginWithTokenRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	login, err := s.userAuth.LoginWithToken(params.AccessToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type UserInfo struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Program  string    `json:"program"`
	Role     string    `json:"role"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	return UserInfo{
		Id:       user.Id,
		Username: user.Username,
		Email:    user.Email,
		Program:  user.Program,
		Role:     user.Role(),
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&user))
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	users, err := s.listCache.Get(func() ([]schema.User, error) {
		var users []schema.User
		result := s.db.Order("username").Find(&users)
		if result.Error != nil {
			slog.Error("sql error listing users", "error", result.Error)
			return nil, schema.ErrDbAccessFailed
		}
		return users, nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing users: %v", err), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, convertToUserInfo(&users[i]))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) CreateUser(w http.ResponseWriter, r *http.Request) {
	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Role != "" && params.Role != "admin" && params.Role != "usuario" {
		http.Error(w, fmt.Sprintf("invalid role '%v', must be 'admin' or 'usuario'", params.Role), http.StatusUnprocessableEntity)
		return
	}
	if params.Program == "" {
		http.Error(w, "a program must be provided when creating a user", http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(auth.NewUserArgs{
		Username: params.Username,
		Email:    params.Email,
		Password: params.Password,
		Program:  params.Program,
		IsAdmin:  params.Role == "admin",
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error creating user: %v", err), createUserErrorCode(err))
		return
	}

	s.listCache.Invalidate()

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type changePasswordRequest struct {
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (s *UserService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params changePasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.NewPassword != params.ConfirmPassword {
		http.Error(w, "passwords do not match", http.StatusUnprocessableEntity)
		return
	}

	err = s.userAuth.ChangePassword(user.Id, params.NewPassword)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrPasswordTooShort) {
			responseCode = http.StatusUnprocessableEntity
		}
		http.Error(w, fmt.Sprintf("error changing password: %v", err), responseCode)
		return
	}

	s.listCache.Invalidate()

	utils.WriteSuccess(w)
}

func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		// Evidence keeps the uploader's email, not a foreign key, so the
		// rows a user uploaded survive their account.
		deleteUserResult := txn.Delete(&schema.User{Id: userId})
		if deleteUserResult.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", deleteUserResult.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	err = s.userAuth.DeleteUser(userId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	s.listCache.Invalidate()

	utils.WriteSuccess(w)
}

func (s *UserService) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		user.IsAdmin = true

		result := txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error updating user role to admin", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error promoting admin: %v", err), GetResponseCode(err))
		return
	}

	s.listCache.Invalidate()

	utils.WriteSuccess(w)
}

func (s *UserService) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if !user.IsAdmin {
			return CodedError(errors.New("user is already not an admin"), http.StatusUnprocessableEntity)
		}

		var count int64
		result := txn.Model(&schema.User{}).Where("is_admin = ?", true).Count(&count)
		if result.Error != nil {
			slog.Error("sql error counting existing admins", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if count < 2 {
			return CodedError(fmt.Errorf("cannot demote admin %v since there would be no admins left", userId), http.StatusUnprocessableEntity)
		}

		user.IsAdmin = false

		result = txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error updating user role to user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error demoting admin: %v", err), GetResponseCode(err))
		return
	}

	s.listCache.Invalidate()

	utils.WriteSuccess(w)
}
