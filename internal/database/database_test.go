package database

import (
	"net/url"
	"testing"

	"github.com/bigkaa/godedupstore/client-module/internal/config"
)

// TestMigrateURL проверяет сборку URL подключения golang-migrate:
// учётные данные со спецсимволами должны экранироваться.
func TestMigrateURL(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db.local",
		DBPort:     5433,
		DBName:     "cm_prefs",
		DBUser:     "client-module",
		DBPassword: "p@ss:w/rd",
		DBSSLMode:  "require",
	}

	raw := migrateURL(cfg)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("URL не разбирается: %v (%s)", err, raw)
	}

	if u.Scheme != "pgx5" {
		t.Errorf("схема = %q, ожидалась pgx5", u.Scheme)
	}
	if u.Host != "db.local:5433" {
		t.Errorf("host = %q, ожидался db.local:5433", u.Host)
	}
	if u.Path != "/cm_prefs" {
		t.Errorf("path = %q, ожидался /cm_prefs", u.Path)
	}
	if u.User.Username() != "client-module" {
		t.Errorf("пользователь = %q, ожидался client-module", u.User.Username())
	}
	if pass, _ := u.User.Password(); pass != "p@ss:w/rd" {
		t.Errorf("пароль = %q, не пережил экранирование", pass)
	}
	if got := u.Query().Get("sslmode"); got != "require" {
		t.Errorf("sslmode = %q, ожидался require", got)
	}
}
