package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/catalog"
	"github.com/darasahq/darasa/core/progress"
	"github.com/darasahq/darasa/core/user"
	cachesvc "github.com/darasahq/darasa/services/cache"
	emailsvc "github.com/darasahq/darasa/services/email"
	logsvc "github.com/darasahq/darasa/services/logger"
	inmemdb "github.com/darasahq/darasa/storage/database/inmem"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

type testEnv struct {
	server      *Server
	conf        *core.Config
	usrSvc      *user.Service
	usrRepo     user.Repository
	catRepo     catalog.Repository
	progressSvc *progress.Service
	billingSvc  *billing.Service
}

func initServer(t *testing.T) *testEnv {
	t.Helper()

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("initServer() failed: %v", err)
	}

	conf := &core.Config{
		AppName:          "Darasa",
		SecretKey:        "secret",
		TestMode:         true,
		FrontendBaseURL:  "http://localhost:3000",
		DefaultFromEmail: mail.Address{Name: "Darasa", Address: "noreply@darasa.localhost"},
		Server: core.ServerConfig{
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
		},
		Catalog: core.CatalogConfig{CacheTTL: time.Minute},
		Progress: core.ProgressConfig{
			PassThreshold:  80,
			RetakeBase:     24 * time.Hour,
			MaxRetakeDelay: 168 * time.Hour,
		},
	}
	core.Conf = conf

	logger := logsvc.NewStdLogger(log.New(io.Discard, "", 0))
	mailSvc := emailsvc.NewConsoleServiceMock(conf)

	validate := validator.New()
	translator := newTestTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	catalog.InitValidators(validate, translator)

	usrRepo := inmemdb.NewUserRepository(db)
	catRepo := inmemdb.NewCatalogRepository(db)

	usrSvc := user.NewService(usrRepo, mailSvc, conf)
	catSvc := catalog.NewService(catRepo, cachesvc.NewInmemCache(), conf, logger)
	billingSvc := billing.NewService(inmemdb.NewBillingRepository(db))
	progressSvc := progress.NewService(
		inmemdb.NewProgressRepository(db), catSvc, billingSvc, usrSvc, mailSvc, progress.NewRules(conf), logger)

	server := NewServer(ServerDeps{
		Conf:        conf,
		Logger:      logger,
		UserSvc:     usrSvc,
		CatalogSvc:  catSvc,
		ProgressSvc: progressSvc,
		BillingSvc:  billingSvc,
		Validate:    validate,
		Translator:  translator,
	})
	return &testEnv{
		server:      server,
		conf:        conf,
		usrSvc:      usrSvc,
		usrRepo:     usrRepo,
		catRepo:     catRepo,
		progressSvc: progressSvc,
		billingSvc:  billingSvc,
	}
}

func newTestTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func createUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

func getToken(t *testing.T, usr user.User) string {
	t.Helper()
	claims := GetUserClaims(usr)
	token, err := GenerateToken(claims)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

// seedCourse stores a small two-module course tree in the catalog.
func seedCourse(t *testing.T, env *testEnv) catalog.Node {
	t.Helper()
	tree := catalog.Node{
		ID: "cat-course", Kind: catalog.KindCourse, Title: "Go Foundations", Slug: "go-foundations",
		Children: []catalog.Node{
			{
				ID: "cat-m1", ParentID: "cat-course", Kind: catalog.KindModule, Title: "Basics", Slug: "basics", Order: 1,
				Children: []catalog.Node{
					{ID: "cat-l1", ParentID: "cat-m1", Kind: catalog.KindLesson, Title: "Hello", Slug: "hello", Order: 1},
					{ID: "cat-l2", ParentID: "cat-m1", Kind: catalog.KindLesson, Title: "Vars", Slug: "vars", Order: 2},
					{ID: "cat-t1", ParentID: "cat-m1", Kind: catalog.KindTest, Title: "Basics Test", Slug: "basics-test", Order: 3},
					{ID: "cat-c1", ParentID: "cat-m1", Kind: catalog.KindCheckpoint, Title: "Basics Checkpoint", Slug: "basics-cp", Order: 4},
				},
			},
			{
				ID: "cat-m2", ParentID: "cat-course", Kind: catalog.KindModule, Title: "Functions", Slug: "funcs", Order: 2, Premium: true,
				Children: []catalog.Node{
					{ID: "cat-l3", ParentID: "cat-m2", Kind: catalog.KindLesson, Title: "Funcs 1", Slug: "funcs-1", Order: 1, Premium: true},
				},
			},
		},
	}
	if _, err := env.catRepo.ReplaceCourseTree(context.Background(), tree); err != nil {
		t.Fatalf("seedCourse() failed: %v", err)
	}
	return tree
}

// findNode returns the progress node with the given slug in the user's course tree.
func findNode(t *testing.T, env *testEnv, userID, courseCatalogID, slug string) progress.Node {
	t.Helper()
	tree, err := env.progressSvc.GetCourse(context.Background(), userID, courseCatalogID)
	if err != nil {
		t.Fatalf("findNode() failed: %v", err)
	}
	var found *progress.Node
	tree.Walk(func(n *progress.Node) {
		if n.Slug == slug {
			found = n
		}
	})
	if found == nil {
		t.Fatalf("findNode() %q not found", slug)
	}
	return *found
}
