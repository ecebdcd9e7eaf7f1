package schema

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"size:100;not null;unique"`
	Email    string `gorm:"size:254;not null;unique"`
	Password []byte `gorm:"size:100"`

	Program string `gorm:"size:200;not null"`
	IsAdmin bool   `gorm:"not null;default:false"`
}

func (u *User) Role() string {
	if u.IsAdmin {
		return "admin"
	}
	return "usuario"
}

type Evidence struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Program    string `gorm:"size:200;not null;index"`
	UploadedBy string `gorm:"size:254;not null;index"`
	Url        string `gorm:"size:2000;not null"`

	UploadDate time.Time

	// Nullable because rows imported from early spreadsheet exports only
	// carried the program, uploader, url, and timestamp columns.
	Dimension *string `gorm:"size:200"`
	Criterion *string `gorm:"size:300"`
	Filename  *string `gorm:"size:500"`
}

// IsLegacy reports whether the row predates the taxonomy columns.
func (e *Evidence) IsLegacy() bool {
	return e.Dimension == nil || e.Criterion == nil || e.Filename == nil
}

func (e *Evidence) DimensionOrDefault() string {
	if e.Dimension == nil {
		return "Sin clasificar"
	}
	return *e.Dimension
}

func (e *Evidence) CriterionOrDefault() string {
	if e.Criterion == nil {
		return "Formato antiguo"
	}
	return *e.Criterion
}

func (e *Evidence) FilenameOrDefault() string {
	if e.Filename == nil {
		return "Archivo sin nombre"
	}
	return *e.Filename
}
