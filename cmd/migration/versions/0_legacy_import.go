package versions

import (
	"log"
	"strings"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// The first deployments kept evidence in a spreadsheet export with Spanish
// column names and no primary key. This migration copies those rows into
// the evidences table, generating ids and leaving the taxonomy columns null
// where the export predates them.

type legacyEvidence struct {
	Programa      string
	SubidoPor     string
	UrlCloudinary string
	FechaHora     string
	Criterio      string
	Dimension     string
	NombreArchivo string
}

func (legacyEvidence) TableName() string {
	return "evidencias"
}

var legacyDateFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
	"02/01/2006",
}

// parseLegacyDate is tolerant of the timestamp formats that accumulated in
// the export. A value that matches none of them yields the zero time, the
// row is still imported.
func parseLegacyDate(value string) time.Time {
	value = strings.TrimSpace(value)
	for _, format := range legacyDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

var LegacyImport = &gormigrate.Migration{
	ID: "202408010001_legacy_import",
	Migrate: func(txn *gorm.DB) error {
		if err := txn.AutoMigrate(&schema.User{}, &schema.Evidence{}); err != nil {
			return err
		}

		if !txn.Migrator().HasTable(&legacyEvidence{}) {
			log.Println("no legacy 'evidencias' table found, nothing to import")
			return nil
		}

		var legacyRows []legacyEvidence
		if err := txn.Find(&legacyRows).Error; err != nil {
			return err
		}

		log.Printf("importing %d legacy evidence rows", len(legacyRows))

		for _, legacy := range legacyRows {
			row := schema.Evidence{
				Id:         uuid.New(),
				Program:    strings.TrimSpace(legacy.Programa),
				UploadedBy: strings.ToLower(strings.TrimSpace(legacy.SubidoPor)),
				Url:        strings.TrimSpace(legacy.UrlCloudinary),
				UploadDate: parseLegacyDate(legacy.FechaHora),
				Dimension:  optional(legacy.Dimension),
				Criterion:  optional(legacy.Criterio),
				Filename:   optional(legacy.NombreArchivo),
			}

			if row.Url == "" {
				log.Printf("skipping legacy row with no url (program=%v, uploader=%v)", row.Program, row.UploadedBy)
				continue
			}

			if err := txn.Create(&row).Error; err != nil {
				return err
			}
		}

		if err := txn.Migrator().RenameTable("evidencias", "evidencias_imported"); err != nil {
			return err
		}

		log.Println("legacy import complete, old table renamed to 'evidencias_imported'")
		return nil
	},
	Rollback: func(txn *gorm.DB) error {
		if txn.Migrator().HasTable("evidencias_imported") {
			return txn.Migrator().RenameTable("evidencias_imported", "evidencias")
		}
		return nil
	},
}

var Migrations = []*gormigrate.Migration{
	LegacyImport,
}
