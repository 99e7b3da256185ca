package controllers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/usercontext"
)

type stubUserRepo struct {
	mu       sync.Mutex
	users    map[uint]*models.User
	settings map[uint]*models.UserSettings
	saveErr  error
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: map[uint]*models.User{}, settings: map[uint]*models.UserSettings{}}
}

func (s *stubUserRepo) add(u *models.User, us *models.UserSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	us.UserID = u.ID
	s.settings[u.ID] = us
}

func (s *stubUserRepo) Create(u *models.User) error { return nil }

func (s *stubUserRepo) GetByID(id uint) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubUserRepo) GetByEmail(string) (*models.User, error) { return nil, gorm.ErrRecordNotFound }

func (s *stubUserRepo) GetByAPIKeyHash(string) (*models.User, *models.UserSettings, error) {
	return nil, nil, gorm.ErrRecordNotFound
}

func (s *stubUserRepo) GetSettings(userID uint) (*models.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.settings[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *us
	return &cp, nil
}

func (s *stubUserRepo) SaveSettings(us *models.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *us
	s.settings[us.UserID] = &cp
	return nil
}

func (s *stubUserRepo) TouchAPIKeyUsage(uint, time.Time) error { return nil }

// asUser stands in for the API key middleware.
func asUser(id uint, admin bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{UserID: id, IsActive: true, IsAdmin: admin})
		return c.Next()
	}
}

func sellerSettings() *models.UserSettings {
	return &models.UserSettings{
		ID:         1,
		VATNumber:  "01234567890",
		FiscalCode: "RSSMRA80A01H501U",
		LegalName:  "Mario Rossi",
		TaxRegime:  "RF19",
		Street:     "Via Roma 1",
		PostalCode: "00100",
		City:       "Roma",
		Province:   "RM",
		Country:    "IT",
	}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}
