package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"gorm.io/gorm"
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin {
				http.Error(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

// CanViewEvidence reports whether the user may see the given row. Admins see
// everything, other users only evidence from their own program.
func CanViewEvidence(user schema.User, evidence *schema.Evidence) bool {
	if user.IsAdmin {
		return true
	}
	return evidence.Program == user.Program
}

// CanDeleteEvidence restricts removal to admins and the original uploader.
func CanDeleteEvidence(user schema.User, evidence *schema.Evidence) bool {
	if user.IsAdmin {
		return true
	}
	return strings.EqualFold(evidence.UploadedBy, user.Email)
}
