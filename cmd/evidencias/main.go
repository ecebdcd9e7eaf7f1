package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/auth"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/services"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/storage"
	"github.com/davidtroncosop/Evidencias-FRCV/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type evidenciasEnv struct {
	PublicHostname string
	PublicUrl      string
	ShareDir       string
	JwtSecret      string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	IdentityProvider      string
	KeycloakServerUrl     string
	UseSslInLogin         bool
	SslCertPath           string
	SslKeyPath            string
	KeycloakAdminUsername string
	keycloakAdminPassword string

	BlobBackend     string
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	s3SecretKey     string
	S3Presign       bool
	S3PresignExpiry int

	DatabaseUri string
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables that are used by the server must be loaded here so ====
 * ==== a reader can see in one place what is exposed and how each value ====
 * ==== propagates through the system.                                   ====
 * ==========================================================================
 */
func loadEnv() evidenciasEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := evidenciasEnv{
		PublicHostname: requiredEnv("PUBLIC_HOSTNAME"),
		PublicUrl:      utils.OptionalEnv("PUBLIC_URL"),

		ShareDir:  requiredEnv("SHARE_DIR"),
		JwtSecret: requiredEnv("JWT_SECRET"),

		AdminUsername: requiredEnv("ADMIN_USERNAME"),
		AdminEmail:    requiredEnv("ADMIN_MAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		IdentityProvider:      requiredEnv("IDENTITY_PROVIDER"),
		KeycloakServerUrl:     utils.OptionalEnv("KEYCLOAK_SERVER_URL"),
		UseSslInLogin:         utils.BoolEnvVar("USE_SSL_IN_LOGIN"),
		SslCertPath:           utils.OptionalEnv("SSL_CERT_PATH"),
		SslKeyPath:            utils.OptionalEnv("SSL_KEY_PATH"),
		KeycloakAdminUsername: utils.OptionalEnv("KEYCLOAK_ADMIN_USER"),
		keycloakAdminPassword: utils.OptionalEnv("KEYCLOAK_ADMIN_PASSWORD"),

		BlobBackend:     utils.OptionalEnv("BLOB_BACKEND"),
		S3Endpoint:      utils.OptionalEnv("S3_ENDPOINT"),
		S3Region:        utils.OptionalEnv("S3_REGION"),
		S3Bucket:        utils.OptionalEnv("S3_BUCKET"),
		S3AccessKey:     utils.OptionalEnv("S3_ACCESS_KEY"),
		s3SecretKey:     utils.OptionalEnv("S3_SECRET_KEY"),
		S3Presign:       utils.BoolEnvVar("S3_PRESIGN_URLS"),
		S3PresignExpiry: utils.IntEnvVar("S3_PRESIGN_EXPIRY_MINUTES", 15),

		DatabaseUri: requiredEnv("DATABASE_URI"),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	if env.IdentityProvider == "keycloak" && (env.KeycloakServerUrl == "" || env.KeycloakAdminUsername == "" || env.keycloakAdminPassword == "") {
		log.Fatal("KEYCLOAK_SERVER_URL, KEYCLOAK_ADMIN_USER, and KEYCLOAK_ADMIN_PASSWORD must be specified when IDENTITY_PROVIDER is keycloak")
	}

	if env.BlobBackend == "s3" && (env.S3Region == "" || env.S3Bucket == "" || env.S3AccessKey == "" || env.s3SecretKey == "") {
		log.Fatal("S3_REGION, S3_BUCKET, S3_ACCESS_KEY, and S3_SECRET_KEY must be specified when BLOB_BACKEND is s3")
	}

	if env.PublicUrl == "" {
		env.PublicUrl = "http://" + env.PublicHostname
	}

	return env
}

func (env *evidenciasEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(&schema.User{}, &schema.Evidence{})
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func getHostname(u string) string {
	parts, err := url.Parse(u)
	if err != nil {
		log.Fatalf("error parsing url '%v': %v", u, err)
	}
	return parts.Hostname()
}

func initBlobStore(env *evidenciasEnv) storage.BlobStore {
	if env.BlobBackend == "s3" {
		store, err := storage.NewS3Store(context.Background(), storage.S3Config{
			Endpoint:      env.S3Endpoint,
			Region:        env.S3Region,
			Bucket:        env.S3Bucket,
			AccessKey:     env.S3AccessKey,
			SecretKey:     env.s3SecretKey,
			PresignUrls:   env.S3Presign,
			PresignExpiry: time.Duration(env.S3PresignExpiry) * time.Minute,
		})
		if err != nil {
			log.Fatalf("error creating s3 blob store: %v", err)
		}
		return store
	}

	return storage.NewLocalDisk(filepath.Join(env.ShareDir, "evidencias"), env.PublicUrl)
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.ShareDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.ShareDir, "logs/evidencias.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.ShareDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	db := initDb(env.postgresDsn())

	blobStore := initBlobStore(&env)

	var identityProvider auth.IdentityProvider
	if env.IdentityProvider == "keycloak" {
		identityProvider, err = auth.NewKeycloakIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.KeycloakArgs{
				KeycloakServerUrl:     env.KeycloakServerUrl,
				KeycloakAdminUsername: env.KeycloakAdminUsername,
				KeycloakAdminPassword: env.keycloakAdminPassword,
				AdminUsername:         env.AdminUsername,
				AdminEmail:            env.AdminEmail,
				AdminPassword:         env.AdminPassword,
				PublicHostname:        env.PublicHostname,
				PrivateHostname:       getHostname(env.PublicUrl),
				SslLogin:              env.UseSslInLogin,
				SslCertPath:           env.SslCertPath,
				SslKeyPath:            env.SslKeyPath,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
	} else {
		identityProvider, err = auth.NewBasicIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.BasicProviderArgs{
				Secret:        []byte(env.JwtSecret),
				AdminUsername: env.AdminUsername,
				AdminEmail:    env.AdminEmail,
				AdminPassword: env.AdminPassword,
			},
		)
		if err != nil {
			log.Fatalf("error creating basic identity provider: %v", err)
		}
	}

	app := services.NewEvidencias(db, blobStore, identityProvider)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.PublicUrl},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", app.Routes())

	if local, ok := blobStore.(*storage.LocalDiskStore); ok {
		fileServer := http.StripPrefix("/files/", http.FileServer(http.Dir(local.Location())))
		r.Handle("/files/*", fileServer)
	}

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
