package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/davidtroncosop/Evidencias-FRCV/cmd/migration/versions"
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	rollback := flag.Bool("rollback", false, "If specified rolls back the last migration instead of migrating.")

	flag.Parse()

	if *envFile != "" {
		err := godotenv.Load(*envFile)
		if err != nil {
			log.Fatalf("error loading .env file '%v': %v", *envFile, err)
		}
	}

	databaseUri := os.Getenv("DATABASE_URI")
	if databaseUri == "" {
		log.Fatal("DATABASE_URI env variable must be specified")
	}

	db, err := gorm.Open(postgres.Open(postgresDsn(databaseUri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, versions.Migrations)

	if *rollback {
		if err := m.RollbackLast(); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Println("rollback completed successfully")
		return
	}

	if err := m.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migration completed successfully")
}
